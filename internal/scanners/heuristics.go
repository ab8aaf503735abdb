package scanners

import "strings"

// HeuristicPhrases is the compile-time constant phrase list the heuristic
// cue scorer checks for, case-insensitively, as a substring match. Treat
// extension of this list as a recompile, not a runtime feature: a larger
// or smaller list changes detection behavior and must go through review
// like any other code change.
var HeuristicPhrases = []string{
	"act as",
	"disregard the rules",
	"ignore previous",
	"override",
	"system:",
}

// heuristicCues counts how many HeuristicPhrases appear (case-insensitive,
// substring) in text, and reports whether an admin-hint phrase is present.
// admin_hint is true if text contains "system:" or "you are" (case
// insensitive), independent of the phrase count.
func heuristicCues(text string) (cues int, adminHint bool) {
	lower := strings.ToLower(text)
	for _, phrase := range HeuristicPhrases {
		if strings.Contains(lower, phrase) {
			cues++
		}
	}
	adminHint = strings.Contains(lower, "system:") || strings.Contains(lower, "you are")
	return cues, adminHint
}

// heuristicProbability is the low-precision fallback scorer used when
// neither a classifier nor an injected scorer is available. It exists only
// so the scanner degrades gracefully without the model; callers should not
// treat it as a confident signal.
func heuristicProbability(cues int, adminHint bool) float32 {
	p := 0.15 + 0.25*float32(cues)
	if adminHint {
		p += 0.20
	}
	return clamp(p, 0, 0.98)
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
