package policy

import (
	"strings"
	"time"
)

// InteractionDecision is the outcome of the interaction policy pass, which
// runs after SafetyPolicy on every outbound text.
type InteractionDecision struct {
	Text        string
	ShouldSpeak bool
	Reason      string
	Flags       []string
}

// InteractionPolicy prefixes an emotion cue when the risk level is one of
// HighRiskLevels, appends proactive hints for allow-listed sources, and
// silences low-priority output from SilentSources or during quiet hours.
type InteractionPolicy struct {
	Enabled                         bool
	EmotionEnabled                  bool
	ProactiveEnabled                bool
	SilentEnabled                   bool
	HighRiskLevels                  []string
	ProactiveSources                []string
	SilentSources                   []string
	QuietHoursEnabled               bool
	QuietHoursStartHour             int
	QuietHoursEndHour               int
	SuppressLowPriorityInQuietHours bool
	CurrentHourFn                   func() int
}

// NewInteractionPolicy builds a policy with the reference defaults.
func NewInteractionPolicy() InteractionPolicy {
	return InteractionPolicy{
		Enabled:              true,
		EmotionEnabled:       true,
		ProactiveEnabled:     true,
		SilentEnabled:        true,
		HighRiskLevels:       []string{"P0", "P1"},
		QuietHoursStartHour:  22,
		QuietHoursEndHour:    7,
		CurrentHourFn:        defaultCurrentHour,
	}
}

func (p InteractionPolicy) Evaluate(text, source string, riskLevel string, context map[string]any, speak bool) InteractionDecision {
	out := text
	var flags []string
	reason := "ok"
	shouldSpeak := speak

	if !p.Enabled {
		return InteractionDecision{Text: out, ShouldSpeak: shouldSpeak, Reason: reason, Flags: flags}
	}

	if p.SilentEnabled && shouldSpeak {
		if contains(p.SilentSources, source) {
			priority, _ := context["priority"].(string)
			if strings.EqualFold(priority, "low") {
				shouldSpeak = false
				reason = "silent_low_priority"
				flags = append(flags, "silent_low_priority")
			}
		}
		if shouldSpeak && p.QuietHoursEnabled && p.inQuietHours() {
			priority, _ := context["priority"].(string)
			if p.SuppressLowPriorityInQuietHours && strings.EqualFold(priority, "low") {
				shouldSpeak = false
				reason = "silent_quiet_hours"
				flags = append(flags, "silent_quiet_hours")
			}
		}
	}

	if shouldSpeak && p.EmotionEnabled && contains(p.HighRiskLevels, strings.ToUpper(riskLevel)) {
		if !strings.HasPrefix(out, "请先停下，注意安全。") {
			out = "请先停下，注意安全。" + out
			flags = append(flags, "emotion_high_risk_prefix")
		}
	}

	if shouldSpeak && p.ProactiveEnabled && contains(p.ProactiveSources, source) {
		if hint, ok := context["proactive_hint"].(string); ok && strings.TrimSpace(hint) != "" {
			out = out + hint
			flags = append(flags, "proactive_hint_appended")
		}
	}

	return InteractionDecision{Text: out, ShouldSpeak: shouldSpeak, Reason: reason, Flags: flags}
}

func (p InteractionPolicy) inQuietHours() bool {
	hourFn := p.CurrentHourFn
	if hourFn == nil {
		hourFn = defaultCurrentHour
	}
	hour := hourFn()
	if p.QuietHoursStartHour == p.QuietHoursEndHour {
		return false
	}
	if p.QuietHoursStartHour < p.QuietHoursEndHour {
		return hour >= p.QuietHoursStartHour && hour < p.QuietHoursEndHour
	}
	return hour >= p.QuietHoursStartHour || hour < p.QuietHoursEndHour
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

func defaultCurrentHour() int {
	return time.Now().Hour()
}
