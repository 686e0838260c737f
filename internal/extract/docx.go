package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"strings"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/kb"
)

// DOCXExtractor pulls paragraph text out of the OOXML main document
// part (word/document.xml inside the zip container).
type DOCXExtractor struct{}

// Format implements Extractor.
func (e *DOCXExtractor) Format() kb.Format { return kb.FormatDOCX }

// Extract implements Extractor.
func (e *DOCXExtractor) Extract(ctx context.Context, data []byte, emit EmitFunc) error {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return kberr.Wrap(kberr.KindExtractionFailed, "open docx container", err)
	}

	var document *zip.File
	for _, f := range archive.File {
		if f.Name == "word/document.xml" {
			document = f
			break
		}
	}
	if document == nil {
		return kberr.New(kberr.KindExtractionFailed, "docx is missing word/document.xml")
	}

	rc, err := document.Open()
	if err != nil {
		return kberr.Wrap(kberr.KindExtractionFailed, "open docx document part", err)
	}
	defer rc.Close()

	return streamDocxParagraphs(ctx, rc, emit)
}

// streamDocxParagraphs walks the XML token stream, collecting the text
// runs (<w:t>) of each paragraph (<w:p>) and emitting one segment per
// non-empty paragraph.
func streamDocxParagraphs(ctx context.Context, r io.Reader, emit EmitFunc) error {
	decoder := xml.NewDecoder(r)

	var current strings.Builder
	inText := false
	paragraph := 0

	flush := func() error {
		text := strings.TrimSpace(sanitizeUTF8(current.String()))
		current.Reset()
		if text == "" {
			return nil
		}
		paragraph++
		return emit(Segment{Text: text, Paragraph: paragraph})
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		token, err := decoder.Token()
		if err == io.EOF {
			return flush()
		}
		if err != nil {
			return kberr.Wrap(kberr.KindExtractionFailed, "parse docx xml", err)
		}

		switch t := token.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				current.WriteByte('\t')
			case "br", "cr":
				current.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if err := flush(); err != nil {
					return err
				}
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
}

var _ Extractor = (*DOCXExtractor)(nil)
