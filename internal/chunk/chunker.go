// Package chunk splits extracted text into token-budgeted chunks.
// Boundaries prefer paragraph breaks, then sentence breaks, then word
// breaks; a chunk is never empty and never exceeds the budget unless a
// single word does.
package chunk

import (
	"context"
	"strings"

	"github.com/Aman-CERP/kbmcp/internal/embed"
	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/extract"
	"github.com/Aman-CERP/kbmcp/internal/kb"
)

// Options configures chunking. Values come straight from the knowledge
// base config.
type Options struct {
	MaxTokens      int
	OverlapTokens  int
	OverlapEnabled bool
}

// Chunker packs extracted segments into chunks.
type Chunker struct {
	counter embed.TokenCounter
	opts    Options
}

// New creates a chunker. The counter must match the one used for
// embedding so budgets line up with model limits.
func New(counter embed.TokenCounter, opts Options) (*Chunker, error) {
	if opts.MaxTokens <= 0 {
		return nil, kberr.New(kberr.KindInvalidInput, "chunk size must be positive")
	}
	if opts.OverlapTokens < 0 {
		return nil, kberr.New(kberr.KindInvalidInput, "chunk overlap must not be negative")
	}
	// Overlap at or beyond half the budget would stall progress.
	if opts.OverlapTokens*2 >= opts.MaxTokens {
		opts.OverlapTokens = opts.MaxTokens/2 - 1
		if opts.OverlapTokens < 0 {
			opts.OverlapTokens = 0
		}
	}
	return &Chunker{counter: counter, opts: opts}, nil
}

// piece is a unit of text that is appended to a chunk atomically.
type piece struct {
	text string
	// sep goes before the text when the chunk is non-empty: a blank
	// line at paragraph starts, a space inside a paragraph.
	sep       string
	page      int
	paragraph int
}

// Chunk splits the document's segments into chunks with dense sequence
// numbers starting at 0. Position hints carry over from the first
// segment contributing to each chunk.
func (c *Chunker) Chunk(ctx context.Context, docID string, segments []extract.Segment) ([]kb.Chunk, error) {
	var pieces []piece
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pieces = append(pieces, c.segmentPieces(seg)...)
	}
	if len(pieces) == 0 {
		return nil, nil
	}
	return c.pack(ctx, docID, pieces)
}

// segmentPieces turns one segment into pieces that each fit the
// budget. Oversized paragraphs split at sentences, oversized sentences
// at words.
func (c *Chunker) segmentPieces(seg extract.Segment) []piece {
	text := strings.TrimSpace(seg.Text)
	if text == "" {
		return nil
	}

	if c.counter.Count(text) <= c.opts.MaxTokens {
		return []piece{{text: text, sep: "\n\n", page: seg.Page, paragraph: seg.Paragraph}}
	}

	var pieces []piece
	sep := "\n\n"
	for _, sentence := range splitSentences(text) {
		if c.counter.Count(sentence) <= c.opts.MaxTokens {
			pieces = append(pieces, piece{text: sentence, sep: sep, page: seg.Page, paragraph: seg.Paragraph})
			sep = " "
			continue
		}
		for _, run := range c.splitWords(sentence) {
			pieces = append(pieces, piece{text: run, sep: sep, page: seg.Page, paragraph: seg.Paragraph})
			sep = " "
		}
	}
	return pieces
}

// pack greedily fills chunks up to the token budget, re-emitting an
// overlap tail from the previous chunk when overlap is enabled.
func (c *Chunker) pack(ctx context.Context, docID string, pieces []piece) ([]kb.Chunk, error) {
	var chunks []kb.Chunk
	var builder strings.Builder
	var tokens int
	var page, paragraph int

	flush := func() {
		text := builder.String()
		builder.Reset()
		if strings.TrimSpace(text) == "" {
			tokens = 0
			return
		}
		seq := len(chunks)
		chunks = append(chunks, kb.Chunk{
			ID:         kb.ChunkID(docID, seq),
			DocumentID: docID,
			Seq:        seq,
			Text:       text,
			TokenCount: tokens,
			Page:       page,
			Paragraph:  paragraph,
		})
		tokens = 0
	}

	for _, p := range pieces {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		addition := p.text
		if builder.Len() > 0 {
			addition = p.sep + p.text
		}
		cost := c.counter.Count(addition)

		if builder.Len() > 0 && tokens+cost > c.opts.MaxTokens {
			tail := ""
			if c.opts.OverlapEnabled && c.opts.OverlapTokens > 0 {
				tail = c.overlapTail(builder.String())
			}
			flush()
			if tail != "" {
				// Overlap is best-effort: skip it when the tail plus
				// the next piece would blow the budget.
				tailTokens := c.counter.Count(tail)
				addition = p.sep + p.text
				cost = c.counter.Count(addition)
				if tailTokens+cost <= c.opts.MaxTokens {
					builder.WriteString(tail)
					tokens = tailTokens
				}
			}
			page, paragraph = p.page, p.paragraph
		}
		if builder.Len() == 0 {
			page, paragraph = p.page, p.paragraph
			addition = p.text
			cost = c.counter.Count(addition)
		}
		builder.WriteString(addition)
		tokens += cost
	}
	flush()
	return chunks, nil
}

// overlapTail returns roughly OverlapTokens worth of words from the
// end of text.
func (c *Chunker) overlapTail(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	start := len(words)
	for start > 0 {
		candidate := strings.Join(words[start-1:], " ")
		if c.counter.Count(candidate) > c.opts.OverlapTokens {
			break
		}
		start--
	}
	if start == len(words) {
		return ""
	}
	return strings.Join(words[start:], " ")
}

// splitWords groups words into runs that fit the budget. A single word
// over the budget is emitted alone rather than broken mid-word.
func (c *Chunker) splitWords(text string) []string {
	words := strings.Fields(text)
	var runs []string
	var current []string
	var tokens int

	for _, word := range words {
		cost := c.counter.Count(word)
		if len(current) > 0 && tokens+cost > c.opts.MaxTokens {
			runs = append(runs, strings.Join(current, " "))
			current = current[:0]
			tokens = 0
		}
		current = append(current, word)
		tokens += cost
	}
	if len(current) > 0 {
		runs = append(runs, strings.Join(current, " "))
	}
	return runs
}

// splitSentences breaks text after terminal punctuation followed by
// whitespace. It does not try to be clever about abbreviations; the
// budget check upstream tolerates occasional over-splitting.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		current.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '!' || runes[i] == '?' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				if s := strings.TrimSpace(current.String()); s != "" {
					sentences = append(sentences, s)
				}
				current.Reset()
			}
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
