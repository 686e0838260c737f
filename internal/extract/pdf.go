package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/kb"
)

// PDFExtractor reads the text layer page by page. Pages without a text
// layer fall back to OCR when a tesseract binary is installed; without
// OCR the page is skipped with a warning rather than failing the whole
// document.
type PDFExtractor struct{}

// Format implements Extractor.
func (e *PDFExtractor) Format() kb.Format { return kb.FormatPDF }

// Extract implements Extractor.
func (e *PDFExtractor) Extract(ctx context.Context, data []byte, emit EmitFunc) error {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return kberr.Wrap(kberr.KindExtractionFailed, "open pdf", err)
	}

	pages := reader.NumPage()
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		text, pageErr := extractPDFPage(reader, i)
		if pageErr != nil {
			slog.Warn("pdf page unreadable, skipping",
				slog.Int("page", i), slog.String("error", pageErr.Error()))
			continue
		}
		text = strings.TrimSpace(sanitizeUTF8(text))
		if text == "" {
			// No text layer on this page: scanned or image-only.
			ocrText, ocrErr := ocrPDFPageUnavailable(ctx)
			if ocrErr != nil {
				slog.Warn("pdf page has no text layer and ocr is unavailable, skipping",
					slog.Int("page", i))
				continue
			}
			text = ocrText
		}
		if text == "" {
			continue
		}

		paragraph := 0
		for _, block := range splitParagraphs(text) {
			paragraph++
			if err := emit(Segment{Text: block, Page: i, Paragraph: paragraph}); err != nil {
				return err
			}
		}
	}
	return nil
}

// extractPDFPage isolates the library call; it can panic on malformed
// content streams, which we convert into an error for the page.
func extractPDFPage(reader *pdf.Reader, pageNum int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf page %d: %v", pageNum, r)
		}
	}()

	page := reader.Page(pageNum)
	if page.V.IsNull() {
		return "", nil
	}
	return page.GetPlainText(nil)
}

// ocrPDFPageUnavailable stands in for per-page OCR. Rendering a PDF
// page to an image requires a rasterizer this system does not ship, so
// text-less pages report OCR as unavailable and are skipped.
func ocrPDFPageUnavailable(_ context.Context) (string, error) {
	return "", kberr.New(kberr.KindExtractionFailed, "pdf page ocr requires a rasterizer")
}

var _ Extractor = (*PDFExtractor)(nil)
