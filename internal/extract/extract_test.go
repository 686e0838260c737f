package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/kb"
)

func collect(t *testing.T, e Extractor, data []byte) []Segment {
	t.Helper()
	var segments []Segment
	err := e.Extract(context.Background(), data, func(s Segment) error {
		segments = append(segments, s)
		return nil
	})
	require.NoError(t, err)
	return segments
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		filename string
		want     kb.Format
	}{
		{"plain text", []byte("The quick brown fox."), "hello.txt", kb.FormatText},
		{"markdown by extension", []byte("# Title\n\nbody"), "readme.md", kb.FormatText},
		{"pdf magic", []byte("%PDF-1.4\n%stuff"), "doc.bin", kb.FormatPDF},
		{"png magic", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, "scan.dat", kb.FormatImage},
		{"unknown binary", []byte{0x00, 0x01, 0x02, 0xFF}, "blob.xyz", kb.FormatOther},
		{"binary with txt extension stays text", []byte("hello world"), "notes.txt", kb.FormatText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFormat(tt.data, tt.filename))
		})
	}
}

func TestDetectFormatDocxByExtension(t *testing.T) {
	// A zip container with a .docx name is classified as docx even when
	// the sniffer only sees a generic archive.
	assert.Equal(t, kb.FormatDOCX, DetectFormat(buildDocx(t, "hi"), "letter.docx"))
}

func TestTextExtractorParagraphs(t *testing.T) {
	data := []byte("First paragraph line one.\nStill first.\n\nSecond paragraph.\r\n\r\nThird.")
	segments := collect(t, &TextExtractor{}, data)

	require.Len(t, segments, 3)
	assert.Equal(t, "First paragraph line one.\nStill first.", segments[0].Text)
	assert.Equal(t, 1, segments[0].Paragraph)
	assert.Equal(t, "Second paragraph.", segments[1].Text)
	assert.Equal(t, "Third.", segments[2].Text)
}

func TestTextExtractorWhitespaceOnly(t *testing.T) {
	segments := collect(t, &TextExtractor{}, []byte("   \n\n\t  "))
	assert.Empty(t, segments)
}

func TestTextExtractorInvalidUTF8(t *testing.T) {
	segments := collect(t, &TextExtractor{}, []byte{'o', 'k', 0xFF, 0xFE, '!', 0x00})
	require.Len(t, segments, 1)
	assert.Contains(t, segments[0].Text, "ok")
}

func buildDocx(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	body := `<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`
	for _, p := range paragraphs {
		body += `<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`
	}
	body += `</w:body></w:document>`

	f, err := w.Create("word/document.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDOCXExtractor(t *testing.T) {
	data := buildDocx(t, "First paragraph.", "Second paragraph.", "")
	segments := collect(t, &DOCXExtractor{}, data)

	require.Len(t, segments, 2)
	assert.Equal(t, "First paragraph.", segments[0].Text)
	assert.Equal(t, 1, segments[0].Paragraph)
	assert.Equal(t, "Second paragraph.", segments[1].Text)
	assert.Equal(t, 2, segments[1].Paragraph)
}

func TestDOCXExtractorRejectsNonZip(t *testing.T) {
	err := (&DOCXExtractor{}).Extract(context.Background(), []byte("not a zip"), func(Segment) error { return nil })
	require.Error(t, err)
	assert.Equal(t, kberr.KindExtractionFailed, kberr.KindOf(err))
}

func TestDOCXExtractorMissingDocumentPart(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("other.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte("<x/>"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = (&DOCXExtractor{}).Extract(context.Background(), buf.Bytes(), func(Segment) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document.xml")
}

func TestPDFExtractorRejectsGarbage(t *testing.T) {
	err := (&PDFExtractor{}).Extract(context.Background(), []byte("definitely not a pdf"), func(Segment) error { return nil })
	require.Error(t, err)
	assert.Equal(t, kberr.KindExtractionFailed, kberr.KindOf(err))
}

func TestImageExtractorWithoutOCRBinary(t *testing.T) {
	e := &ImageExtractor{OCRCommand: "definitely-not-a-real-binary-kbmcp"}
	err := e.Extract(context.Background(), []byte{0x89, 'P', 'N', 'G'}, func(Segment) error { return nil })
	require.Error(t, err)
	assert.Equal(t, kberr.KindExtractionFailed, kberr.KindOf(err))
	assert.Contains(t, err.Error(), "ocr unavailable")
}

func TestForFormat(t *testing.T) {
	for _, format := range []kb.Format{kb.FormatText, kb.FormatPDF, kb.FormatDOCX, kb.FormatImage, kb.FormatOther} {
		e, err := ForFormat(format)
		require.NoError(t, err, string(format))
		require.NotNil(t, e)
	}
	_, err := ForFormat(kb.Format("spreadsheet"))
	assert.Equal(t, kberr.KindUnsupportedFormat, kberr.KindOf(err))
}

func TestExtractHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := (&TextExtractor{}).Extract(ctx, []byte("a\n\nb"), func(Segment) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
