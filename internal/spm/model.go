// Package spm decodes a binary SentencePiece Unigram model and segments
// normalized text into subword token IDs, mirroring the reference Google
// SentencePiece C++ implementation closely enough to reproduce its token
// IDs byte-for-byte for a given vocabulary.
package spm

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"sort"
)

// metaSymbol is SentencePiece's standard whitespace replacement rune ("▁",
// U+2581 LOWER ONE EIGHTH BLOCK). Text is prefixed with it and every space
// is replaced by it before segmentation, matching the reference tokenizer's
// normalization so that "hello world" and "hello▁world" segment the same.
const metaSymbol = '▁'

// unkScore is the Unigram score assigned to an unmatched rune: low enough
// that the Viterbi search only falls back to it when no vocabulary piece
// covers the position.
const unkScore = -20.0

// Model is a loaded, immutable SentencePiece Unigram vocabulary. A Model is
// safe for concurrent use: Encode never mutates it.
type Model struct {
	root    *trieNode
	pieces  []rawPiece
	special map[string]int32 // literal substring ("[CLS]", ...) -> token ID
	unkID   int32
}

// Special names the canonical special-token role, used by callers
// (internal/tokenizer) to resolve a Model's special IDs without hardcoding
// the literal strings twice.
type Special struct {
	PAD, CLS, SEP, UNK, MASK string
}

// DefaultSpecials is the literal substring set that must survive
// segmentation as single IDs for the shipped DeBERTa-v3 checkpoint.
var DefaultSpecials = Special{
	PAD:  "[PAD]",
	CLS:  "[CLS]",
	SEP:  "[SEP]",
	UNK:  "[UNK]",
	MASK: "[MASK]",
}

// Load reads a binary SentencePiece ModelProto from r and builds a Model.
// specialIDs maps each literal special-token string (e.g. "[CLS]") the
// caller wants preserved to the token ID the downstream classifier expects;
// these IDs are never present in the SentencePiece binary itself.
func Load(r io.Reader, specialIDs map[string]int32) (*Model, error) {
	pieces, err := parseModelProto(r)
	if err != nil {
		return nil, err
	}

	m := &Model{
		root:    newTrieNode(),
		pieces:  pieces,
		special: make(map[string]int32, len(specialIDs)),
		unkID:   -1,
	}
	for text, id := range specialIDs {
		m.special[text] = id
	}
	if id, ok := specialIDs[DefaultSpecials.UNK]; ok {
		m.unkID = id
	}

	for id, p := range pieces {
		if p.kind != pieceTypeNormal && p.kind != pieceTypeUserDefined {
			continue
		}
		m.root.insert(p.text, int32(id), p.score)
	}
	if len(m.root.children) == 0 {
		return nil, fmt.Errorf("spm: model produced an empty trie")
	}
	return m, nil
}

// VocabSize returns the number of pieces in the underlying vocabulary.
func (m *Model) VocabSize() int {
	return len(m.pieces)
}

// Encode segments text into vocabulary token IDs. Literal special-token
// substrings registered at construction (e.g. "[CLS]") are extracted first
// and survive as single IDs wherever they occur verbatim in text; the
// remaining runs of text are normalized (whitespace folded to the meta
// symbol, see metaSymbol) and segmented with a Unigram Viterbi search over
// the piece trie. Encode does not lowercase — the shipped vocabulary is
// cased.
func (m *Model) Encode(text string) []int32 {
	if text == "" {
		return nil
	}

	segments := m.splitOnSpecials(text)
	var ids []int32
	for _, seg := range segments {
		if seg.isSpecial {
			ids = append(ids, seg.id)
			continue
		}
		ids = append(ids, m.encodeRun(seg.text)...)
	}
	return ids
}

type textSegment struct {
	text      string
	isSpecial bool
	id        int32
}

// splitOnSpecials scans text left to right and splits out every occurrence
// of a registered special-token substring, longest-match-first so that a
// special string that is a prefix of another (none are, for the default
// set, but a caller-supplied map might add one) never shadows the longer
// match.
func (m *Model) splitOnSpecials(text string) []textSegment {
	if len(m.special) == 0 {
		return []textSegment{{text: text}}
	}

	keys := make([]string, 0, len(m.special))
	for k := range m.special {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })

	var segments []textSegment
	rest := text
	for len(rest) > 0 {
		idx, matched := -1, ""
		for _, k := range keys {
			if i := indexOf(rest, k); i >= 0 && (idx == -1 || i < idx) {
				idx, matched = i, k
			}
		}
		if idx < 0 {
			segments = append(segments, textSegment{text: rest})
			break
		}
		if idx > 0 {
			segments = append(segments, textSegment{text: rest[:idx]})
		}
		segments = append(segments, textSegment{isSpecial: true, id: m.special[matched]})
		rest = rest[idx+len(matched):]
	}
	return segments
}

func indexOf(s, substr string) int {
	return bytes.Index([]byte(s), []byte(substr))
}

// normalize folds runs of whitespace the way the reference SentencePiece
// normalizer does for this checkpoint: leading meta symbol, then every
// space replaced by the meta symbol. Tabs and newlines are treated as
// spaces, matching the "nmt_nfkc"-derived normalizer shipped with the
// DeBERTa-v3 checkpoint.
func normalize(s string) string {
	var b bytes.Buffer
	b.WriteRune(metaSymbol)
	prevSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !prevSpace {
				b.WriteRune(metaSymbol)
			}
			prevSpace = true
			continue
		}
		b.WriteRune(r)
		prevSpace = false
	}
	return b.String()
}

// encodeRun runs the Unigram Viterbi segmentation over one normalized,
// special-token-free run of text.
func (m *Model) encodeRun(s string) []int32 {
	runes := []rune(normalize(s))
	n := len(runes)
	if n == 0 {
		return nil
	}

	// best[i] holds the highest-scoring path's cumulative score covering
	// runes[0:i]; back[i] holds the piece ID and start offset of the edge
	// that achieves it.
	best := make([]float64, n+1)
	backID := make([]int32, n+1)
	backStart := make([]int, n+1)
	for i := 1; i <= n; i++ {
		best[i] = math.Inf(-1)
	}

	for start := 0; start < n; start++ {
		if math.IsInf(best[start], -1) {
			continue
		}
		base := best[start]

		m.root.match(runes, start, func(end int, id int32, score float32) {
			cand := base + float64(score)
			if cand > best[end] {
				best[end] = cand
				backID[end] = id
				backStart[end] = start
			}
		})

		// Single-rune UNK fallback edge, always available so the lattice
		// never dead-ends on an out-of-vocabulary rune.
		end := start + 1
		cand := base + unkScore
		if cand > best[end] {
			best[end] = cand
			backID[end] = m.unkID
			backStart[end] = start
		}
	}

	// Walk the back-pointers from n to 0 to recover the path, then reverse.
	var ids []int32
	for i := n; i > 0; {
		ids = append(ids, backID[i])
		i = backStart[i]
	}
	for l, r := 0, len(ids)-1; l < r; l, r = l+1, r-1 {
		ids[l], ids[r] = ids[r], ids[l]
	}
	return ids
}
