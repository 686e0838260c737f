package embed

import (
	"log/slog"
	"regexp"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter measures text length in model tokens. The chunker uses
// it to enforce token budgets.
type TokenCounter interface {
	Count(text string) int
}

const tokenEncoding = "cl100k_base"

// TiktokenCounter counts BPE tokens with tiktoken.
type TiktokenCounter struct {
	mu  sync.Mutex
	tke *tiktoken.Tiktoken
}

var _ TokenCounter = (*TiktokenCounter)(nil)

// NewTokenCounter returns a tiktoken-backed counter, falling back to a
// word-based approximation when the encoding cannot be loaded (the BPE
// table is fetched on first use and may be absent offline).
func NewTokenCounter() TokenCounter {
	tke, err := tiktoken.GetEncoding(tokenEncoding)
	if err != nil {
		slog.Warn("tiktoken encoding unavailable, using approximate token counts",
			slog.String("encoding", tokenEncoding), slog.String("error", err.Error()))
		return ApproxTokenCounter{}
	}
	return &TiktokenCounter{tke: tke}
}

// Count implements TokenCounter.
func (c *TiktokenCounter) Count(text string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tke.Encode(text, nil, nil))
}

var approxWordRegex = regexp.MustCompile(`[\p{L}\p{N}]+|[^\s\p{L}\p{N}]`)

// ApproxTokenCounter estimates tokens as words plus punctuation marks,
// which tracks BPE counts closely enough for chunk budgeting on prose.
type ApproxTokenCounter struct{}

var _ TokenCounter = ApproxTokenCounter{}

// Count implements TokenCounter.
func (ApproxTokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	n := len(approxWordRegex.FindAllStringIndex(text, -1))
	if n == 0 && utf8.RuneCountInString(text) > 0 {
		return 1
	}
	return n
}
