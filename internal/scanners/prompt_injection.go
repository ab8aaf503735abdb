// Package scanners implements concrete engine.Scanner and
// engine.OutputScanner detectors: a DeBERTa-classifier-backed prompt
// injection scanner with a heuristic fallback, and an output-compliance
// scanner that reuses the same heuristic cues against model output.
package scanners

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/wardenlabs/promptscan/internal/classifier"
	"github.com/wardenlabs/promptscan/internal/engine"
	"github.com/wardenlabs/promptscan/internal/tokenizer"
)

// encodingCacheCap bounds the disposable per-max_len encoding cache. Once
// full, the cache is cleared outright rather than evicted piecewise — calls
// at a given max_len are expected to cluster around a small set of repeated
// prompts, so a simple clear-and-refill keeps the cache cheap to reason
// about without an LRU.
const encodingCacheCap = 256

// encodingCacheKey identifies a cached Encode result by the effective
// max_len it was produced at and a blake2b-128 digest of the source text,
// so lookups are keyed by untrusted text without retaining the text itself.
type encodingCacheKey struct {
	maxLen int
	digest [16]byte
}

func hashText(text string) [16]byte {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(text))
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

type encodingCache struct {
	mu      sync.Mutex
	entries map[encodingCacheKey]tokenizer.Encoding
}

func newEncodingCache() *encodingCache {
	return &encodingCache{entries: make(map[encodingCacheKey]tokenizer.Encoding)}
}

func (c *encodingCache) get(key encodingCacheKey) (tokenizer.Encoding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	enc, ok := c.entries[key]
	return enc, ok
}

func (c *encodingCache) put(key encodingCacheKey, enc tokenizer.Encoding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= encodingCacheCap {
		c.entries = make(map[encodingCacheKey]tokenizer.Encoding)
	}
	c.entries[key] = enc
}

// openAndLoadTokenizer opens the SentencePiece model file at path and
// builds a Tokenizer from it, closing the file regardless of outcome.
func openAndLoadTokenizer(path string, cfg tokenizer.Config) (*tokenizer.Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sentencepiece model: %w", err)
	}
	defer f.Close()
	return tokenizer.Load(f, cfg)
}

// ScorerFunc is the injected-scorer extension point: given a tokenizer
// encoding, return the probability of prompt injection. Config.Scorer is
// used only when a classifier.Runtime is not configured, and only if a
// tokenizer is available to produce the encoding it is called with.
type ScorerFunc func(tokenizer.Encoding) (float32, error)

// Config carries the named settings the prompt-injection scanner reads at
// construction. Every field has a documented default; a zero Config value
// runs the scanner in pure heuristic mode.
type Config struct {
	// DebertaSPMPath is the path to the SentencePiece model file. Leaving
	// it empty disables the tokenizer (and therefore the classifier and
	// injected-scorer paths), demoting the scanner to heuristics.
	DebertaSPMPath string
	// DebertaMaxLen is the tokenizer's max_len. Defaults to 512.
	DebertaMaxLen int
	// DebertaSpecials carries the five special-token IDs. A nil value
	// disables the tokenizer, same as an empty DebertaSPMPath — both are
	// required together.
	DebertaSpecials *tokenizer.SpecialIDs
	// PIThreshold is the default probability threshold. Defaults to 0.5.
	PIThreshold float32
	// PIONNXPath is the local classifier graph file. Left empty, the
	// scanner runs without a classifier (injected-scorer or heuristic
	// path only).
	PIONNXPath string
	// Scorer is an optional injected scoring function, used when no
	// classifier is configured.
	Scorer ScorerFunc

	Logger *zap.Logger
}

// Scanner implements engine.Scanner for prompt injection detection,
// selecting among a classifier, an injected scorer, and a heuristic
// fallback in that order, per call.
type Scanner struct {
	cfg       Config
	logger    *zap.Logger
	tokenizer *tokenizer.Tokenizer // nil if construction inputs were incomplete
	runtime   *classifier.Runtime  // nil if no ONNX path configured or load failed

	mu          sync.Mutex
	tokCacheLen int
	tokCache    *tokenizer.Tokenizer

	encCache *encodingCache
}

// New constructs the scanner. Tokenizer or classifier construction
// failures are logged and demote the scanner to a lesser engine; they are
// not fatal to New itself, matching the graceful-degradation posture the
// scanner must have at startup.
func New(cfg Config) *Scanner {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DebertaMaxLen <= 0 {
		cfg.DebertaMaxLen = 512
	}
	if cfg.PIThreshold == 0 {
		cfg.PIThreshold = 0.5
	}

	s := &Scanner{cfg: cfg, logger: logger, encCache: newEncodingCache()}

	if cfg.DebertaSPMPath != "" && cfg.DebertaSpecials != nil {
		tok, err := loadTokenizerFile(cfg.DebertaSPMPath, tokenizer.Config{
			MaxLen:   cfg.DebertaMaxLen,
			Specials: *cfg.DebertaSpecials,
			Strategy: tokenizer.LongestFirst,
		})
		if err != nil {
			logger.Warn("prompt_injection: tokenizer unavailable, falling back to heuristics", zap.Error(err))
		} else {
			s.tokenizer = tok
			s.tokCacheLen = cfg.DebertaMaxLen
			s.tokCache = tok
		}
	}

	if s.tokenizer != nil && cfg.PIONNXPath != "" {
		rt, err := classifier.Load(classifier.Options{
			ModelPath: cfg.PIONNXPath,
			MaxLen:    cfg.DebertaMaxLen,
			Logger:    logger,
		})
		if err != nil {
			logger.Warn("prompt_injection: classifier runtime unavailable", zap.Error(err))
		} else {
			s.runtime = rt
		}
	}

	return s
}

// loadTokenizerFile is a seam so tests can swap in a fixture path without
// touching Scanner's exported surface.
var loadTokenizerFile = func(path string, cfg tokenizer.Config) (*tokenizer.Tokenizer, error) {
	return openAndLoadTokenizer(path, cfg)
}

func (s *Scanner) Name() string { return "prompt_injection" }

// tokenizerFor returns a Tokenizer configured for maxLen, rebuilding a
// disposable one and caching it when maxLen differs from the cached
// length. Tokenizer construction is cheap once the SentencePiece bytes are
// resident, so this is acceptable per call.
func (s *Scanner) tokenizerFor(maxLen int) (*tokenizer.Tokenizer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tokenizer == nil {
		return nil, fmt.Errorf("tokenizer not configured")
	}
	if maxLen == s.tokCacheLen && s.tokCache != nil {
		return s.tokCache, nil
	}
	tok, err := s.tokenizer.WithMaxLen(maxLen)
	if err != nil {
		return nil, err
	}
	s.tokCacheLen = maxLen
	s.tokCache = tok
	return tok, nil
}

// encode returns tok.Encode(text), serving a cached result when available.
// Falls back to an uncached encode if the scanner was built without its
// cache (e.g. a test-constructed Scanner literal).
func (s *Scanner) encode(tok *tokenizer.Tokenizer, maxLen int, text string) tokenizer.Encoding {
	if s.encCache == nil {
		return tok.Encode(text)
	}
	key := encodingCacheKey{maxLen: maxLen, digest: hashText(text)}
	if enc, ok := s.encCache.get(key); ok {
		return enc
	}
	enc := tok.Encode(text)
	s.encCache.put(key, enc)
	return enc
}

// Scan implements engine.Scanner.
func (s *Scanner) Scan(ctx context.Context, text string, opts engine.ScanOptions) (engine.ScanResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return engine.ScanResult{}, engine.NewScanError(engine.ErrInternalError, "context canceled before scan started", err)
	}

	threshold := opts.EffectiveThreshold(s.cfg.PIThreshold)
	maxLen := opts.EffectiveMaxTokenLength(s.cfg.DebertaMaxLen)
	includeMetadata := opts.EffectiveIncludeMetadata()

	cues, adminHint := heuristicCues(text)

	var (
		probability float32
		engineName  string
		seqLen      int
		haveSeqLen  bool
	)

	switch {
	case s.runtime != nil:
		tok, err := s.tokenizerFor(maxLen)
		if err != nil {
			return engine.ScanResult{}, engine.NewScanError(engine.ErrTokenizerUnavailable, "tokenizer unavailable for classifier path", err)
		}
		enc := s.encode(tok, maxLen, text)
		p, err := s.runtime.Score(enc.InputIDs, enc.AttentionMask)
		if err != nil {
			return engine.ScanResult{}, engine.NewScanError(engine.ErrInferenceFailed, "classifier inference failed", err)
		}
		probability = p
		engineName = "deberta_onnx"
		seqLen, haveSeqLen = enc.RealLen, true

	case s.cfg.Scorer != nil && s.tokenizer != nil:
		tok, err := s.tokenizerFor(maxLen)
		if err != nil {
			return engine.ScanResult{}, engine.NewScanError(engine.ErrTokenizerUnavailable, "tokenizer unavailable for injected scorer path", err)
		}
		enc := s.encode(tok, maxLen, text)
		p, err := s.cfg.Scorer(enc)
		if err != nil {
			return engine.ScanResult{}, engine.NewScanError(engine.ErrInferenceFailed, "injected scorer failed", err)
		}
		probability = p
		engineName = "deberta_model"
		seqLen, haveSeqLen = enc.RealLen, true

	case s.tokenizer != nil:
		probability = heuristicProbability(cues, adminHint)
		engineName = "heuristics+tokenizer"

	default:
		probability = heuristicProbability(cues, adminHint)
		engineName = "heuristics"
	}

	var metadata map[string]any
	if includeMetadata {
		metadata = map[string]any{
			"engine":          engineName,
			"heuristic_cues":  cues,
			"length":          len(text),
			"tokenizer_max_len": maxLen,
		}
		if haveSeqLen {
			metadata["seq_len"] = seqLen
		}
	}

	return engine.NewScanResult(probability, threshold, includeMetadata, metadata, time.Since(start)), nil
}
