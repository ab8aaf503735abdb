package engine

import "testing"

func TestAggregate_AllClear(t *testing.T) {
	results := map[string]ScanResult{
		"prompt_injection": {IsThreatDetected: false, ConfidenceScore: 0},
		"pii":              {IsThreatDetected: false, ConfidenceScore: 0},
	}

	agg := Aggregate(results)
	if agg.Decision != DecisionAllow {
		t.Errorf("expected Allow, got %v", agg.Decision)
	}
	if agg.HighestSeverity != SeverityInfo {
		t.Errorf("expected Info severity, got %v", agg.HighestSeverity)
	}
	if len(agg.Findings) != 2 {
		t.Errorf("expected 2 findings, got %d", len(agg.Findings))
	}
}

func TestAggregate_SingleBlock(t *testing.T) {
	results := map[string]ScanResult{
		"prompt_injection": {IsThreatDetected: true, ConfidenceScore: 0.95},
		"pii":              {IsThreatDetected: false, ConfidenceScore: 0},
	}

	agg := Aggregate(results)
	if agg.Decision != DecisionBlock {
		t.Errorf("expected Block, got %v", agg.Decision)
	}
	if agg.MaxScore != 0.95 {
		t.Errorf("expected max score 0.95, got %f", agg.MaxScore)
	}
}

func TestAggregate_SingleReview(t *testing.T) {
	// Detected but below the 0.6 medium-severity floor -> Low severity -> Review.
	results := map[string]ScanResult{
		"prompt_injection": {IsThreatDetected: true, ConfidenceScore: 0.55},
	}

	agg := Aggregate(results)
	if agg.Decision != DecisionReview {
		t.Errorf("expected Review, got %v", agg.Decision)
	}
}

func TestAggregate_BlockAtMediumSeverityFloor(t *testing.T) {
	results := map[string]ScanResult{
		"prompt_injection": {IsThreatDetected: true, ConfidenceScore: 0.6},
	}

	agg := Aggregate(results)
	if agg.Decision != DecisionBlock {
		t.Errorf("expected Block at medium-severity floor (0.6), got %v", agg.Decision)
	}
}

func TestAggregate_JustBelowMediumFloor(t *testing.T) {
	results := map[string]ScanResult{
		"prompt_injection": {IsThreatDetected: true, ConfidenceScore: 0.59},
	}

	agg := Aggregate(results)
	if agg.Decision != DecisionReview {
		t.Errorf("expected Review just below medium floor, got %v", agg.Decision)
	}
}

func TestAggregate_HighestSeverityWins(t *testing.T) {
	results := map[string]ScanResult{
		"prompt_injection": {IsThreatDetected: true, ConfidenceScore: 0.55}, // Low
		"pii":              {IsThreatDetected: true, ConfidenceScore: 0.9},  // High
	}

	agg := Aggregate(results)
	if agg.Decision != DecisionBlock {
		t.Errorf("expected Block (highest severity wins), got %v", agg.Decision)
	}
	if agg.HighestSeverity != SeverityHigh {
		t.Errorf("expected High severity, got %v", agg.HighestSeverity)
	}
}

func TestAggregate_EmptyResults(t *testing.T) {
	agg := Aggregate(nil)
	if agg.Decision != DecisionAllow {
		t.Errorf("expected Allow for empty results, got %v", agg.Decision)
	}
	if agg.MaxScore != 0 {
		t.Errorf("expected max score 0 for empty results, got %f", agg.MaxScore)
	}
	if agg.HighestSeverity != SeverityInfo {
		t.Errorf("expected Info severity for empty results, got %v", agg.HighestSeverity)
	}
}

func TestAggregate_FailedScannerForcesReview(t *testing.T) {
	results := map[string]ScanResult{
		"prompt_injection": {IsThreatDetected: false, ConfidenceScore: 0, Metadata: map[string]any{"error": "inference failed"}},
	}

	agg := Aggregate(results)
	if agg.Decision != DecisionReview {
		t.Errorf("expected Review when a scanner failed, got %v", agg.Decision)
	}
}

func TestAggregate_FailedScannerDoesNotEscalateToBlock(t *testing.T) {
	results := map[string]ScanResult{
		"prompt_injection": {IsThreatDetected: false, ConfidenceScore: 0, Metadata: map[string]any{"error": "inference failed"}},
		"pii":              {IsThreatDetected: false, ConfidenceScore: 0},
	}

	agg := Aggregate(results)
	if agg.Decision != DecisionReview {
		t.Errorf("expected Review, got %v", agg.Decision)
	}
}

func TestAggregate_Monotonicity_AddingCleanScannerNeverEscalates(t *testing.T) {
	base := map[string]ScanResult{
		"prompt_injection": {IsThreatDetected: false, ConfidenceScore: 0},
	}
	withExtra := map[string]ScanResult{
		"prompt_injection": {IsThreatDetected: false, ConfidenceScore: 0},
		"pii":              {IsThreatDetected: false, ConfidenceScore: 0},
	}

	baseAgg := Aggregate(base)
	extraAgg := Aggregate(withExtra)

	if baseAgg.Decision != DecisionAllow || extraAgg.Decision != DecisionAllow {
		t.Errorf("adding a non-detecting scanner changed Allow: base=%v extra=%v", baseAgg.Decision, extraAgg.Decision)
	}
}

func TestAggregate_FindingsSortedByName(t *testing.T) {
	results := map[string]ScanResult{
		"zeta":  {IsThreatDetected: false},
		"alpha": {IsThreatDetected: false},
	}

	agg := Aggregate(results)
	if len(agg.Findings) != 2 || agg.Findings[0].Scanner != "alpha" || agg.Findings[1].Scanner != "zeta" {
		t.Errorf("expected findings sorted by name, got %+v", agg.Findings)
	}
}

func BenchmarkAggregate(b *testing.B) {
	results := map[string]ScanResult{
		"prompt_injection": {IsThreatDetected: true, ConfidenceScore: 0.95},
		"pii":              {IsThreatDetected: true, ConfidenceScore: 0.5},
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		Aggregate(results)
	}
}
