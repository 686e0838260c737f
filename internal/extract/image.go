package extract

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/kb"
)

// ImageExtractor runs OCR over the image bytes. OCR is delegated to a
// tesseract binary on PATH; without one, image ingestion fails with
// extraction_failed and the document is marked failed.
type ImageExtractor struct {
	// OCRCommand overrides the binary name, for tests.
	OCRCommand string
}

// Format implements Extractor.
func (e *ImageExtractor) Format() kb.Format { return kb.FormatImage }

// Extract implements Extractor.
func (e *ImageExtractor) Extract(ctx context.Context, data []byte, emit EmitFunc) error {
	text, err := e.runOCR(ctx, data)
	if err != nil {
		return err
	}
	paragraph := 0
	for _, block := range splitParagraphs(sanitizeUTF8(text)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		paragraph++
		if err := emit(Segment{Text: block, Paragraph: paragraph}); err != nil {
			return err
		}
	}
	return nil
}

func (e *ImageExtractor) runOCR(ctx context.Context, data []byte) (string, error) {
	command := e.OCRCommand
	if command == "" {
		command = "tesseract"
	}
	binary, err := exec.LookPath(command)
	if err != nil {
		return "", kberr.New(kberr.KindExtractionFailed, "ocr unavailable: tesseract not found on PATH")
	}

	tmp, err := os.CreateTemp("", "kbmcp-ocr-*")
	if err != nil {
		return "", kberr.Wrap(kberr.KindExtractionFailed, "create ocr temp file", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", kberr.Wrap(kberr.KindExtractionFailed, "write ocr temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return "", kberr.Wrap(kberr.KindExtractionFailed, "close ocr temp file", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, tmp.Name(), "stdout")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", kberr.Wrap(kberr.KindExtractionFailed,
			"ocr failed: "+strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

var _ Extractor = (*ImageExtractor)(nil)
