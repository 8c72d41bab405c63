package policy

import "testing"

func TestSafetyEvaluateEmptyOutputGetsFallback(t *testing.T) {
	p := NewSafetyPolicy()
	d := p.Evaluate("", "vision_reply", 1.0, "P3", nil)
	if d.Text == "" {
		t.Fatal("expected a non-empty fallback message")
	}
	if !d.Downgraded || d.Reason != "empty_output" {
		t.Fatalf("expected empty_output downgrade, got %+v", d)
	}
}

func TestSafetyEvaluateLowConfidenceFallsBack(t *testing.T) {
	p := NewSafetyPolicy()
	d := p.Evaluate("前方安全", "vision_reply", 0.1, "P3", nil)
	if !d.Downgraded || d.Reason != "low_confidence" {
		t.Fatalf("expected low_confidence downgrade, got %+v", d)
	}
}

func TestSafetyEvaluatePrependsCautionForHighRisk(t *testing.T) {
	p := NewSafetyPolicy()
	d := p.Evaluate("stairs ahead", "vision_reply", 0.95, "P1", nil)
	if d.RiskLevel != "P1" {
		t.Fatalf("expected P1 risk, got %s", d.RiskLevel)
	}
	found := false
	for _, f := range d.Flags {
		if f == "caution_prefix_added" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected caution_prefix_added flag, got %+v", d.Flags)
	}
}

func TestSafetyEvaluateInfersRiskFromKeywords(t *testing.T) {
	p := NewSafetyPolicy()
	d := p.Evaluate("there is a gas leak nearby", "vision_reply", 0.95, "P3", nil)
	if d.RiskLevel != "P0" {
		t.Fatalf("expected inferred P0 risk, got %s", d.RiskLevel)
	}
}

func TestSafetyEvaluateSemanticGuardConflictingDirections(t *testing.T) {
	p := NewSafetyPolicy()
	d := p.Evaluate("turn left then turn right", "vision_reply", 0.95, "P3", nil)
	if !d.Downgraded || d.Reason != "semantic_guard_conflict" {
		t.Fatalf("expected semantic_guard_conflict downgrade, got %+v", d)
	}
}

func TestSafetyEvaluateTruncatesLongOutput(t *testing.T) {
	p := NewSafetyPolicy()
	p.MaxOutputChars = 10
	long := "this text is definitely longer than ten characters"
	d := p.Evaluate(long, "vision_reply", 0.95, "P3", nil)
	if len(d.Text) > 10 {
		t.Fatalf("expected truncated output, got %q (%d chars)", d.Text, len(d.Text))
	}
}
