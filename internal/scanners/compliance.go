package scanners

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wardenlabs/promptscan/internal/engine"
	"github.com/wardenlabs/promptscan/internal/tokenizer"
)

// PairScorerFunc is the injected pair-scorer extension point for
// ComplianceScanner: given a pair encoding of (prompt, output), return the
// probability that output complied with an instruction injected into
// prompt. Used only when a Tokenizer is also configured.
type PairScorerFunc func(tokenizer.Encoding) (float32, error)

// ComplianceConfig carries the compliance scanner's configured default
// threshold and, optionally, a tokenizer/scorer pair for the pair-encoded
// path. A zero value defaults Threshold to 0.5 and runs the scanner in
// pure heuristic mode.
type ComplianceConfig struct {
	Threshold float32

	// Tokenizer, when set together with Scorer, is used to pair-encode
	// (prompt, output) with Tokenizer.EncodePair and feed the result
	// through Scorer instead of the heuristic cue comparison.
	Tokenizer *tokenizer.Tokenizer
	Scorer    PairScorerFunc
}

// ComplianceScanner implements engine.OutputScanner. When configured with a
// Tokenizer and Scorer it pair-encodes (prompt, output) and scores that
// encoding directly; otherwise it falls back to comparing heuristic cue
// counts between prompt and output, on the premise that a model complying
// with an injected instruction echoes the same cue phrases back into its
// own output.
type ComplianceScanner struct {
	cfg ComplianceConfig

	mu          sync.Mutex
	tokCacheLen int
	tokCache    *tokenizer.Tokenizer
}

// NewCompliance constructs a ComplianceScanner.
func NewCompliance(cfg ComplianceConfig) *ComplianceScanner {
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.5
	}
	return &ComplianceScanner{cfg: cfg}
}

func (c *ComplianceScanner) Name() string { return "completion_compliance" }

// tokenizerFor mirrors Scanner.tokenizerFor: it returns a Tokenizer
// rebuilt at maxLen, caching the last one built so repeated calls at the
// scanner's configured max_len skip a rebuild.
func (c *ComplianceScanner) tokenizerFor(maxLen int) (*tokenizer.Tokenizer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.Tokenizer == nil {
		return nil, fmt.Errorf("tokenizer not configured")
	}
	if maxLen == c.tokCacheLen && c.tokCache != nil {
		return c.tokCache, nil
	}
	tok, err := c.cfg.Tokenizer.WithMaxLen(maxLen)
	if err != nil {
		return nil, err
	}
	c.tokCacheLen = maxLen
	c.tokCache = tok
	return tok, nil
}

// Scan flags output that appears to comply with an injected instruction.
// With a tokenizer and scorer configured, it pair-encodes (prompt, output)
// via EncodePair and scores that encoding directly. Otherwise it falls back
// to comparing heuristic cue counts: when output matches more cue phrases
// than prompt does, the excess counts double, as phrases the model
// introduced on its own. Only the counts are compared, not which phrases
// matched.
func (c *ComplianceScanner) Scan(ctx context.Context, prompt, output string, opts engine.ScanOptions) (engine.ScanResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return engine.ScanResult{}, engine.NewScanError(engine.ErrInternalError, "context canceled before scan started", err)
	}

	threshold := opts.EffectiveThreshold(c.cfg.Threshold)
	includeMetadata := opts.EffectiveIncludeMetadata()

	promptCues, _ := heuristicCues(prompt)
	outputCues, adminHint := heuristicCues(output)
	introduced := outputCues - promptCues
	if introduced < 0 {
		introduced = 0
	}

	var (
		probability float32
		engineName  string
		seqLen      int
		haveSeqLen  bool
	)

	switch {
	case c.cfg.Tokenizer != nil && c.cfg.Scorer != nil:
		maxLen := opts.EffectiveMaxTokenLength(c.cfg.Tokenizer.MaxLen())
		tok, err := c.tokenizerFor(maxLen)
		if err != nil {
			return engine.ScanResult{}, engine.NewScanError(engine.ErrTokenizerUnavailable, "tokenizer unavailable for pair scorer path", err)
		}
		enc := tok.EncodePair(prompt, output)
		p, err := c.cfg.Scorer(enc)
		if err != nil {
			return engine.ScanResult{}, engine.NewScanError(engine.ErrInferenceFailed, "pair scorer failed", err)
		}
		probability = p
		engineName = "deberta_pair_scorer"
		seqLen, haveSeqLen = enc.RealLen, true

	default:
		probability = heuristicProbability(outputCues+introduced, adminHint)
		engineName = "heuristics"
	}

	var metadata map[string]any
	if includeMetadata {
		metadata = map[string]any{
			"engine":          engineName,
			"prompt_cues":     promptCues,
			"output_cues":     outputCues,
			"introduced_cues": introduced,
			"output_length":   len(output),
		}
		if haveSeqLen {
			metadata["seq_len"] = seqLen
		}
	}

	return engine.NewScanResult(probability, threshold, includeMetadata, metadata, time.Since(start)), nil
}
