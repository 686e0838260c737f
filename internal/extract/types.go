// Package extract turns document bytes into a stream of text segments.
// Extractors are pure: bytes in, segments out, nothing persisted.
// Segments flow to the chunker through a callback so chunking can start
// before extraction finishes on large files.
package extract

import (
	"context"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/kb"
)

// Segment is one extracted piece of text with its position hints.
// Zero hints mean unknown.
type Segment struct {
	Text      string
	Page      int
	Paragraph int
}

// EmitFunc receives segments as they are produced. Returning an error
// aborts the extraction.
type EmitFunc func(Segment) error

// Extractor extracts text from one document format.
type Extractor interface {
	// Format reports which format tag this extractor handles.
	Format() kb.Format
	// Extract streams segments to emit. It must honor ctx cancellation
	// between segments.
	Extract(ctx context.Context, data []byte, emit EmitFunc) error
}

// ForFormat selects the extractor for a detected format. Unknown
// formats are ingested as plain text best-effort.
func ForFormat(format kb.Format) (Extractor, error) {
	switch format {
	case kb.FormatText, kb.FormatOther:
		return &TextExtractor{}, nil
	case kb.FormatPDF:
		return &PDFExtractor{}, nil
	case kb.FormatDOCX:
		return &DOCXExtractor{}, nil
	case kb.FormatImage:
		return &ImageExtractor{}, nil
	default:
		return nil, kberr.Newf(kberr.KindUnsupportedFormat, "no extractor for format %q", format)
	}
}
