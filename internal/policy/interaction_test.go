package policy

import "testing"

func TestInteractionPolicyEmotionPrefixForHighRisk(t *testing.T) {
	p := InteractionPolicy{
		Enabled:         true,
		EmotionEnabled:  true,
		HighRiskLevels:  []string{"P0", "P1"},
	}
	d := p.Evaluate("前方可能有车辆。", "vision_reply", "P1", map[string]any{}, true)
	if !d.ShouldSpeak {
		t.Fatal("expected should_speak true")
	}
	if d.Text[:len("请先停下，注意安全。")] != "请先停下，注意安全。" {
		t.Fatalf("expected emotion prefix, got %q", d.Text)
	}
	if !hasFlag(d.Flags, "emotion_high_risk_prefix") {
		t.Fatalf("expected emotion_high_risk_prefix flag, got %+v", d.Flags)
	}
}

func TestInteractionPolicyAppendsProactiveHint(t *testing.T) {
	p := InteractionPolicy{
		Enabled:           true,
		ProactiveEnabled:  true,
		ProactiveSources:  []string{"vision_reply"},
	}
	d := p.Evaluate("前方是楼梯口。", "vision_reply", "P2", map[string]any{"proactive_hint": "如需我可以继续描述左侧障碍。"}, true)
	if !d.ShouldSpeak {
		t.Fatal("expected should_speak true")
	}
	if !hasFlag(d.Flags, "proactive_hint_appended") {
		t.Fatalf("expected proactive_hint_appended flag, got %+v", d.Flags)
	}
}

func TestInteractionPolicySilencesLowPriorityInQuietHours(t *testing.T) {
	p := InteractionPolicy{
		Enabled:                          true,
		SilentEnabled:                    true,
		SilentSources:                    []string{"task_update"},
		QuietHoursEnabled:                true,
		QuietHoursStartHour:              23,
		QuietHoursEndHour:                7,
		SuppressLowPriorityInQuietHours: true,
		CurrentHourFn:                    func() int { return 23 },
	}
	d := p.Evaluate("任务还在执行中。", "task_update", "P3", map[string]any{"priority": "low"}, true)
	if d.ShouldSpeak {
		t.Fatal("expected should_speak false")
	}
	if d.Reason != "silent_low_priority" && d.Reason != "silent_quiet_hours" {
		t.Fatalf("expected silent reason, got %q", d.Reason)
	}
}

func hasFlag(flags []string, target string) bool {
	for _, f := range flags {
		if f == target {
			return true
		}
	}
	return false
}
