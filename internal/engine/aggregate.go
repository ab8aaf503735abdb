package engine

import "sort"

// messageFor returns the fixed human message for a scanner's outcome.
func messageFor(detected bool) string {
	if detected {
		return "threat detected"
	}
	return "no threat detected"
}

// Aggregate folds a registry's per-scanner results into a single decision.
//
// Rules:
//   - any_detected = exists r: r.IsThreatDetected
//   - max_score = max(r.ConfidenceScore), 0 if empty
//   - highest_severity = max(severity(r)), Info if empty
//   - decision: Allow if !any_detected; Block if any_detected and
//     highest_severity >= Medium; Review otherwise.
//
// A result whose Metadata carries a non-empty "error" key (a scanner that
// failed — see ScanError and Registry.Scan) always forces at least
// DecisionReview, even though it contributes SeverityInfo/zero score on its
// own: an inconclusive scan is not the same as a clean pass.
//
// Aggregate is pure and its decision does not depend on map iteration
// order; Findings is sorted by scanner name for deterministic output.
func Aggregate(results map[string]ScanResult) AggregateResult {
	var (
		anyDetected   bool
		maxScore      float32
		highestSev    = SeverityInfo
		anyScanFailed bool
	)

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	findings := make([]Finding, 0, len(names))
	for _, name := range names {
		r := results[name]

		if r.IsThreatDetected {
			anyDetected = true
		}
		if r.ConfidenceScore > maxScore {
			maxScore = r.ConfidenceScore
		}
		sev := severityFor(r.IsThreatDetected, r.ConfidenceScore)
		if sev > highestSev {
			highestSev = sev
		}

		if r.Metadata != nil {
			if msg, ok := r.Metadata["error"]; ok && msg != "" && msg != nil {
				anyScanFailed = true
			}
		}

		code := "CLEAR"
		if r.IsThreatDetected {
			code = "DETECTED"
		}
		findings = append(findings, Finding{
			Scanner:  name,
			Code:     code,
			Message:  messageFor(r.IsThreatDetected),
			Severity: sev,
			Metadata: r.Metadata,
		})
	}

	decision := DecisionAllow
	switch {
	case anyDetected && highestSev >= SeverityMedium:
		decision = DecisionBlock
	case anyDetected, anyScanFailed:
		decision = DecisionReview
	}

	return AggregateResult{
		Decision:        decision,
		MaxScore:        maxScore,
		HighestSeverity: highestSev,
		Findings:        findings,
	}
}
