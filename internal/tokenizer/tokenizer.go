// Package tokenizer wraps internal/spm with DeBERTa-v2/v3 framing: special
// tokens, pair truncation, padding, and attention-mask construction.
package tokenizer

import (
	"fmt"
	"io"

	"github.com/wardenlabs/promptscan/internal/spm"
)

// TruncationStrategy selects how a pair encoding sheds tokens when the
// combined length exceeds the budget.
type TruncationStrategy int

const (
	// LongestFirst drops the last token from whichever side is currently
	// longer, ties favoring A. This is the HF-compatible default.
	LongestFirst TruncationStrategy = iota
	// OnlyFirst drops from A until exhausted, then falls back to B.
	OnlyFirst
)

// SpecialIDs carries the five checkpoint-specific special-token IDs that
// are never present inside the SentencePiece binary itself.
type SpecialIDs struct {
	PAD, CLS, SEP, UNK, MASK int32
}

// Config is the immutable configuration a Tokenizer is built from.
type Config struct {
	MaxLen     int
	Specials   SpecialIDs
	Strategy   TruncationStrategy
	// Lowered switches on lowercasing before segmentation. Parity tests use
	// this to match lowercased reference fixtures; production encoding
	// MUST NOT set it.
	Lowered bool
}

// Encoding is the fixed-length result of a tokenizer Encode call.
type Encoding struct {
	InputIDs      []int32
	AttentionMask []int32
	// RealLen is the number of non-padding positions, for callers that need
	// the true sequence length for metadata.
	RealLen int
}

// Tokenizer wraps an spm.Model with DeBERTa framing. A Tokenizer is
// immutable after construction and safe for concurrent Encode calls,
// because spm.Model itself makes that guarantee and framing holds no
// mutable state.
type Tokenizer struct {
	model  *spm.Model
	cfg    Config
}

// New constructs a Tokenizer from an already-loaded SentencePiece model.
// Construction fails if max_len < 3, since the shortest possible pair
// encoding (CLS, SEP, SEP) needs 3 slots.
func New(model *spm.Model, cfg Config) (*Tokenizer, error) {
	if cfg.MaxLen < 3 {
		return nil, fmt.Errorf("tokenizer: max_len must be >= 3, got %d", cfg.MaxLen)
	}
	return &Tokenizer{model: model, cfg: cfg}, nil
}

// Load is a convenience constructor that reads a SentencePiece model from r
// and wires cfg.Specials into the literal special-token substring map the
// segmenter needs to preserve "[CLS]"/"[SEP]"/"[PAD]"/"[MASK]"/"[UNK]" as
// single IDs.
func Load(r io.Reader, cfg Config) (*Tokenizer, error) {
	specialIDs := map[string]int32{
		spm.DefaultSpecials.PAD:  cfg.Specials.PAD,
		spm.DefaultSpecials.CLS:  cfg.Specials.CLS,
		spm.DefaultSpecials.SEP:  cfg.Specials.SEP,
		spm.DefaultSpecials.UNK:  cfg.Specials.UNK,
		spm.DefaultSpecials.MASK: cfg.Specials.MASK,
	}
	model, err := spm.Load(r, specialIDs)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}
	return New(model, cfg)
}

// WithMaxLen returns a new Tokenizer that shares this one's SentencePiece
// model and configuration but uses a different max_len, for the "rebuild a
// disposable tokenizer" pattern used to serve per-call length overrides.
// The receiver is left unchanged; Tokenizer itself does not cache across
// max_len values.
func (t *Tokenizer) WithMaxLen(maxLen int) (*Tokenizer, error) {
	cfg := t.cfg
	cfg.MaxLen = maxLen
	return New(t.model, cfg)
}

// MaxLen returns the configured max_len.
func (t *Tokenizer) MaxLen() int { return t.cfg.MaxLen }

func (t *Tokenizer) segment(text string) []int32 {
	if t.cfg.Lowered {
		text = lowerASCII(text)
	}
	return t.model.Encode(text)
}

// lowerASCII lowercases only the ASCII range, matching the reference
// lowercasing normalizer used for parity fixtures without pulling in
// locale-aware casing the production path never uses.
func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Encode implements the single-sequence algorithm: segment, prepend CLS,
// append SEP, head-truncate to max_len, right-pad with PAD, build the
// attention mask.
func (t *Tokenizer) Encode(text string) Encoding {
	ids := t.segment(text)

	body := make([]int32, 0, len(ids)+2)
	body = append(body, t.cfg.Specials.CLS)
	body = append(body, ids...)
	body = append(body, t.cfg.Specials.SEP)

	if len(body) > t.cfg.MaxLen {
		body = body[:t.cfg.MaxLen]
		// Preserve the SEP as the final content token even after
		// truncation, matching the reference head-truncation behavior of
		// always terminating the real content with a separator.
		body[len(body)-1] = t.cfg.Specials.SEP
	}

	return t.frame(body)
}

// EncodePair implements the pair algorithm: segment both sides
// independently, reserve 3 special-token slots, shed tokens under the
// configured truncation strategy until the combined length fits the
// budget, then compose CLS, A…, SEP, B…, SEP and pad.
func (t *Tokenizer) EncodePair(textA, textB string) Encoding {
	a := t.segment(textA)
	b := t.segment(textB)

	budget := t.cfg.MaxLen - 3
	if budget < 0 {
		budget = 0
	}
	a, b = t.truncatePair(a, b, budget)

	body := make([]int32, 0, len(a)+len(b)+3)
	body = append(body, t.cfg.Specials.CLS)
	body = append(body, a...)
	body = append(body, t.cfg.Specials.SEP)
	body = append(body, b...)
	body = append(body, t.cfg.Specials.SEP)

	return t.frame(body)
}

// truncatePair sheds tokens from a and/or b until len(a)+len(b) <= budget,
// per the configured strategy.
func (t *Tokenizer) truncatePair(a, b []int32, budget int) ([]int32, []int32) {
	switch t.cfg.Strategy {
	case OnlyFirst:
		for len(a)+len(b) > budget && len(a) > 0 {
			a = a[:len(a)-1]
		}
		for len(a)+len(b) > budget && len(b) > 0 {
			b = b[:len(b)-1]
		}
	default: // LongestFirst
		for len(a)+len(b) > budget {
			if len(a) >= len(b) && len(a) > 0 {
				a = a[:len(a)-1]
			} else if len(b) > 0 {
				b = b[:len(b)-1]
			} else {
				break
			}
		}
	}
	return a, b
}

// frame right-pads body to max_len with PAD and builds the parallel
// attention mask, with real_len positions marked 1.
func (t *Tokenizer) frame(body []int32) Encoding {
	realLen := len(body)
	if realLen > t.cfg.MaxLen {
		realLen = t.cfg.MaxLen
		body = body[:realLen]
	}

	inputIDs := make([]int32, t.cfg.MaxLen)
	attentionMask := make([]int32, t.cfg.MaxLen)
	copy(inputIDs, body)
	for i := realLen; i < t.cfg.MaxLen; i++ {
		inputIDs[i] = t.cfg.Specials.PAD
	}
	for i := 0; i < realLen; i++ {
		attentionMask[i] = 1
	}

	return Encoding{InputIDs: inputIDs, AttentionMask: attentionMask, RealLen: realLen}
}
