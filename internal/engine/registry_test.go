package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
)

type fakeScanner struct {
	name      string
	detected  bool
	score     float32
	err       error
	callOrder *[]string
}

func (f *fakeScanner) Name() string { return f.name }

func (f *fakeScanner) Scan(ctx context.Context, text string, opts ScanOptions) (ScanResult, error) {
	if f.callOrder != nil {
		*f.callOrder = append(*f.callOrder, f.name)
	}
	if f.err != nil {
		return ScanResult{}, f.err
	}
	return NewScanResult(f.score, opts.EffectiveThreshold(0.5), opts.EffectiveIncludeMetadata(), nil, 0), nil
}

func TestRegistry_RunsAllByDefault(t *testing.T) {
	a := &fakeScanner{name: "alpha", score: 0.1}
	b := &fakeScanner{name: "beta", score: 0.9}
	reg := NewRegistry(zap.NewNop(), nil, a, b)

	results := reg.Scan(context.Background(), "text", nil, DefaultScanOptions())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if _, ok := results["alpha"]; !ok {
		t.Error("missing alpha result")
	}
	if _, ok := results["beta"]; !ok {
		t.Error("missing beta result")
	}
}

func TestRegistry_SelectedSubsetOnly(t *testing.T) {
	a := &fakeScanner{name: "alpha", score: 0.1}
	b := &fakeScanner{name: "beta", score: 0.9}
	reg := NewRegistry(zap.NewNop(), nil, a, b)

	results := reg.Scan(context.Background(), "text", []string{"beta"}, DefaultScanOptions())
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if _, ok := results["beta"]; !ok {
		t.Error("expected beta in results")
	}
}

func TestRegistry_UnknownNamesSilentlyIgnored(t *testing.T) {
	a := &fakeScanner{name: "alpha", score: 0.1}
	reg := NewRegistry(zap.NewNop(), nil, a)

	results := reg.Scan(context.Background(), "text", []string{"alpha", "does-not-exist"}, DefaultScanOptions())
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestRegistry_CaseInsensitiveLookup(t *testing.T) {
	a := &fakeScanner{name: "Prompt_Injection", score: 0.1}
	reg := NewRegistry(zap.NewNop(), nil, a)

	results := reg.Scan(context.Background(), "text", []string{"PROMPT_INJECTION"}, DefaultScanOptions())
	if len(results) != 1 {
		t.Fatalf("expected 1 result via case-insensitive lookup, got %d", len(results))
	}
	if _, ok := results["Prompt_Injection"]; !ok {
		t.Error("expected canonical-cased key in result map")
	}
}

func TestRegistry_SequentialRegistrationOrder(t *testing.T) {
	var order []string
	a := &fakeScanner{name: "alpha", callOrder: &order}
	b := &fakeScanner{name: "beta", callOrder: &order}
	c := &fakeScanner{name: "gamma", callOrder: &order}
	reg := NewRegistry(zap.NewNop(), nil, a, b, c)

	reg.Scan(context.Background(), "text", nil, DefaultScanOptions())
	if len(order) != 3 || order[0] != "alpha" || order[1] != "beta" || order[2] != "gamma" {
		t.Errorf("expected registration order [alpha beta gamma], got %v", order)
	}
}

func TestRegistry_ScannerErrorSurfacesAsMetadata(t *testing.T) {
	a := &fakeScanner{name: "broken", err: errors.New("boom")}
	reg := NewRegistry(zap.NewNop(), nil, a)

	results := reg.Scan(context.Background(), "text", nil, DefaultScanOptions())
	res, ok := results["broken"]
	if !ok {
		t.Fatal("expected a result for the failing scanner, got none")
	}
	if res.IsThreatDetected {
		t.Error("failing scanner should not be marked as detected")
	}
	if res.Metadata["error"] != "boom" {
		t.Errorf("expected error metadata, got %v", res.Metadata)
	}
}

func TestRegistry_PolicyDisablesScanner(t *testing.T) {
	a := &fakeScanner{name: "alpha", score: 0.9}
	disabled := false
	policy := &RegistryPolicy{Scanners: map[string]ScannerPolicy{"alpha": {Enabled: &disabled}}}
	reg := NewRegistry(zap.NewNop(), policy, a)

	results := reg.Scan(context.Background(), "text", nil, DefaultScanOptions())
	if len(results) != 0 {
		t.Errorf("expected disabled scanner to contribute no result, got %v", results)
	}
}

func TestRegistry_PolicyOverridesThreshold(t *testing.T) {
	a := &fakeScanner{name: "alpha", score: 0.6}
	thr := float32(0.9)
	policy := &RegistryPolicy{Scanners: map[string]ScannerPolicy{"alpha": {Threshold: &thr}}}
	reg := NewRegistry(zap.NewNop(), policy, a)

	results := reg.Scan(context.Background(), "text", nil, DefaultScanOptions())
	if results["alpha"].IsThreatDetected {
		t.Error("expected score 0.6 below policy threshold 0.9 to not be detected")
	}
}

// coalesceScanner reports the effective max_token_length and
// include_metadata it was called with and blocks until release is closed,
// so a test can force two Scan calls to be in flight at the same time and
// observe whether singleflight wrongly merged them.
type coalesceScanner struct {
	name    string
	arrived chan struct{}
	release chan struct{}
}

func (s *coalesceScanner) Name() string { return s.name }

func (s *coalesceScanner) Scan(ctx context.Context, text string, opts ScanOptions) (ScanResult, error) {
	s.arrived <- struct{}{}
	<-s.release
	return NewScanResult(0.1, opts.EffectiveThreshold(0.5), true, map[string]any{
		"max_token_length": opts.MaxTokenLength,
		"include_metadata": opts.IncludeMetadata,
	}, 0), nil
}

func TestRegistry_ScanOne_DoesNotCoalesceDifferentMaxTokenLength(t *testing.T) {
	s := &coalesceScanner{name: "alpha", arrived: make(chan struct{}), release: make(chan struct{})}
	reg := NewRegistry(zap.NewNop(), nil, s)

	optsA := DefaultScanOptions().WithMaxTokenLength(128)
	optsB := DefaultScanOptions().WithMaxTokenLength(256)

	var resA, resB ScanResult
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		resA = reg.Scan(context.Background(), "text", nil, optsA)["alpha"]
	}()
	<-s.arrived
	go func() {
		defer wg.Done()
		resB = reg.Scan(context.Background(), "text", nil, optsB)["alpha"]
	}()
	<-s.arrived
	close(s.release)
	wg.Wait()

	if resA.Metadata["max_token_length"] != 128 {
		t.Errorf("expected the 128 caller to see its own max_token_length, got %v", resA.Metadata["max_token_length"])
	}
	if resB.Metadata["max_token_length"] != 256 {
		t.Errorf("expected the 256 caller to see its own max_token_length, got %v", resB.Metadata["max_token_length"])
	}
}

func TestRegistry_ScanOne_DoesNotCoalesceDifferentIncludeMetadata(t *testing.T) {
	s := &coalesceScanner{name: "alpha", arrived: make(chan struct{}), release: make(chan struct{})}
	reg := NewRegistry(zap.NewNop(), nil, s)

	optsA := DefaultScanOptions().WithIncludeMetadata(true)
	optsB := DefaultScanOptions().WithIncludeMetadata(false)

	var resA, resB ScanResult
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		resA = reg.Scan(context.Background(), "text", nil, optsA)["alpha"]
	}()
	<-s.arrived
	go func() {
		defer wg.Done()
		resB = reg.Scan(context.Background(), "text", nil, optsB)["alpha"]
	}()
	<-s.arrived
	close(s.release)
	wg.Wait()

	if resA.Metadata["include_metadata"] != true {
		t.Errorf("expected the true caller to see its own include_metadata, got %v", resA.Metadata["include_metadata"])
	}
	if resB.Metadata["include_metadata"] != false {
		t.Errorf("expected the false caller to see its own include_metadata, got %v", resB.Metadata["include_metadata"])
	}
}

func BenchmarkRegistry_Scan(b *testing.B) {
	scanners := []Scanner{
		&fakeScanner{name: "alpha", score: 0.1},
		&fakeScanner{name: "beta", score: 0.9},
	}
	reg := NewRegistry(zap.NewNop(), nil, scanners...)
	ctx := context.Background()
	opts := DefaultScanOptions()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		reg.Scan(ctx, "some text", nil, opts)
	}
}
