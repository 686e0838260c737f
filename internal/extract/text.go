package extract

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/Aman-CERP/kbmcp/internal/kb"
)

// TextExtractor handles plain text and, best-effort, anything tagged
// "other". Blank lines delimit paragraphs; each paragraph becomes a
// segment with a 1-based paragraph hint.
type TextExtractor struct{}

// Format implements Extractor.
func (e *TextExtractor) Format() kb.Format { return kb.FormatText }

// Extract implements Extractor.
func (e *TextExtractor) Extract(ctx context.Context, data []byte, emit EmitFunc) error {
	text := sanitizeUTF8(string(data))
	paragraph := 0
	for _, block := range splitParagraphs(text) {
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

// splitParagraphs splits on blank lines, dropping empty blocks.
func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var out []string
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block != "" {
			out = append(out, block)
		}
	}
	return out
}

// sanitizeUTF8 replaces invalid byte sequences so downstream storage
// only ever sees valid UTF-8.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}

var _ Extractor = (*TextExtractor)(nil)
