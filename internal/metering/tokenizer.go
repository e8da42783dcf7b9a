package metering

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"
)

// Tokenizer counts text tokens for pricing.
type Tokenizer interface {
	Count(text string) int
}

// TokenizerFunc adapts a function to the Tokenizer interface.
type TokenizerFunc func(string) int

func (f TokenizerFunc) Count(s string) int { return f(s) }

// ApproxTokenizer estimates four characters per token.
type ApproxTokenizer struct{}

func (ApproxTokenizer) Count(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// BPETokenizer counts tokens with a tiktoken encoding. The encoding is loaded
// on first use; if none of the encodings can be loaded it degrades to
// ApproxTokenizer.
type BPETokenizer struct {
	encodings []string
	log       zerolog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewBPETokenizer tries the encodings in order. With none given it uses
// o200k_base then cl100k_base.
func NewBPETokenizer(log zerolog.Logger, encodings ...string) *BPETokenizer {
	if len(encodings) == 0 {
		encodings = []string{"o200k_base", "cl100k_base"}
	}
	return &BPETokenizer{encodings: encodings, log: log}
}

func (t *BPETokenizer) load() {
	for _, name := range t.encodings {
		enc, err := tiktoken.GetEncoding(name)
		if err != nil {
			t.log.Warn().Err(err).Str("encoding", name).Msg("tokenizer encoding unavailable")
			continue
		}
		t.enc = enc
		return
	}
	t.log.Warn().Msg("no tokenizer encoding available; using approximate token counts")
}

func (t *BPETokenizer) Count(s string) int {
	if s == "" {
		return 0
	}
	t.once.Do(t.load)
	if t.enc == nil {
		return ApproxTokenizer{}.Count(s)
	}
	return len(t.enc.Encode(s, nil, nil))
}

var (
	defaultTokOnce sync.Once
	defaultTok     Tokenizer
)

// DefaultTokenizer returns a process-wide BPE tokenizer.
func DefaultTokenizer() Tokenizer {
	defaultTokOnce.Do(func() { defaultTok = NewBPETokenizer(zerolog.Nop()) })
	return defaultTok
}
