// Package policy implements the safety and interaction policies (C10) as
// pure, deterministic functions over text and a small context map.
package policy

import (
	"strings"
)

var riskOrder = map[string]int{"P0": 0, "P1": 1, "P2": 2, "P3": 3}

var p0Keywords = []string{
	"车流", "来车", "机动车", "高速", "火灾", "煤气", "触电", "深坑", "坠落",
	"gas leak", "fire",
}
var p1Keywords = []string{
	"楼梯", "台阶", "路口", "斑马线", "施工", "障碍", "人群", "路沿",
	"stairs", "crosswalk", "intersection",
}
var p2Keywords = []string{
	"可能", "不确定", "模糊", "大概", "perhaps", "uncertain", "maybe",
}
var directionalKeywords = []string{
	"向前", "前进", "直行", "左转", "右转", "go straight", "turn left", "turn right",
}
var cautionPrefixes = []string{
	"注意", "小心", "请先停", "先停", "请立即停", "caution", "warning",
}

// SafetyDecision is the outcome of evaluating one outbound text.
type SafetyDecision struct {
	Text        string
	Source      string
	RiskLevel   string
	Confidence  float64
	Downgraded  bool
	Reason      string
	Flags       []string
	RuleIDs     []string
	PolicyVer   string
	Evidence    map[string]any
}

// SafetyPolicy is a rule-based evaluator for conservative runtime output.
type SafetyPolicy struct {
	Enabled                       bool
	LowConfidenceThreshold        float64
	MaxOutputChars                int
	PrependCautionForRisk         bool
	SemanticGuardEnabled          bool
	DirectionalConfidenceThreshold float64
}

// NewSafetyPolicy builds a policy with the same defaults as the reference
// implementation's constructor.
func NewSafetyPolicy() SafetyPolicy {
	return SafetyPolicy{
		Enabled:                        true,
		LowConfidenceThreshold:         0.55,
		MaxOutputChars:                 320,
		PrependCautionForRisk:         true,
		SemanticGuardEnabled:          true,
		DirectionalConfidenceThreshold: 0.85,
	}
}

// Evaluate runs the full safety pipeline over one outbound text.
func (p SafetyPolicy) Evaluate(text, source string, confidence float64, riskLevel string, context map[string]any) SafetyDecision {
	raw := strings.TrimSpace(text)
	out := raw
	sourceName := strings.TrimSpace(source)
	if sourceName == "" {
		sourceName = "runtime"
	}
	conf := clampConfidence(confidence)
	inferred := p.inferRisk(raw, context)
	risk := higherRisk(normalizeRisk(riskLevel, "P3"), inferred)

	var flags, ruleIDs []string
	downgraded := false
	reason := "ok"
	evidence := map[string]any{
		"input_risk_level":    normalizeRisk(riskLevel, "P3"),
		"inferred_risk_level": inferred,
		"directional":          containsDirectionalInstruction(raw),
		"conflict_direction":   hasConflictingDirections(raw),
	}

	if out == "" {
		out = fallbackMessage(risk)
		flags = append(flags, "empty_output")
		ruleIDs = append(ruleIDs, "empty_output")
		downgraded = true
		reason = "empty_output"
	}

	if p.Enabled {
		if conf < p.LowConfidenceThreshold {
			out = fallbackMessage(risk)
			flags = append(flags, "low_confidence")
			ruleIDs = append(ruleIDs, "low_confidence")
			downgraded = true
			reason = "low_confidence"
		} else if p.PrependCautionForRisk && (risk == "P0" || risk == "P1") && out != "" && !hasCautionPrefix(out) {
			out = "注意安全。" + out
			flags = append(flags, "caution_prefix_added")
			ruleIDs = append(ruleIDs, "caution_prefix_added")
		}

		if p.SemanticGuardEnabled && !downgraded {
			if hasConflictingDirections(out) {
				out = fallbackMessage(risk)
				flags = append(flags, "semantic_guard_conflict")
				ruleIDs = append(ruleIDs, "semantic_guard_conflict")
				downgraded = true
				reason = "semantic_guard_conflict"
			} else if (risk == "P0" || risk == "P1") && conf < p.DirectionalConfidenceThreshold && containsDirectionalInstruction(out) {
				out = fallbackMessage(risk)
				flags = append(flags, "semantic_guard_directional")
				ruleIDs = append(ruleIDs, "semantic_guard_directional")
				downgraded = true
				reason = "semantic_guard_directional"
			}
		}
	}

	if len(out) > p.MaxOutputChars {
		out = shorten(out, p.MaxOutputChars)
		flags = append(flags, "output_truncated")
		ruleIDs = append(ruleIDs, "output_truncated")
	}

	return SafetyDecision{
		Text:       out,
		Source:     sourceName,
		RiskLevel:  risk,
		Confidence: conf,
		Downgraded: downgraded,
		Reason:     reason,
		Flags:      flags,
		RuleIDs:    ruleIDs,
		PolicyVer:  "v1.1",
		Evidence:   evidence,
	}
}

func (p SafetyPolicy) inferRisk(text string, context map[string]any) string {
	risk := normalizeRisk(stringFromContext(context, "risk_level"), "P3")
	switch {
	case containsKeyword(text, p0Keywords):
		risk = higherRisk(risk, "P0")
	case containsKeyword(text, p1Keywords):
		risk = higherRisk(risk, "P1")
	case containsKeyword(text, p2Keywords):
		risk = higherRisk(risk, "P2")
	}
	return risk
}

func stringFromContext(context map[string]any, key string) string {
	if context == nil {
		return ""
	}
	if v, ok := context[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func normalizeRisk(value, def string) string {
	text := strings.ToUpper(strings.TrimSpace(value))
	if _, ok := riskOrder[text]; ok {
		return text
	}
	return def
}

func higherRisk(left, right string) string {
	if riskOrder[left] <= riskOrder[right] {
		return left
	}
	return right
}

func clampConfidence(value float64) float64 {
	v := value
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return v
}

func containsKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(text, kw) || strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func containsDirectionalInstruction(text string) bool {
	return containsKeyword(text, directionalKeywords)
}

func hasConflictingDirections(text string) bool {
	lower := strings.ToLower(text)
	hasLeft := strings.Contains(text, "左转") || strings.Contains(lower, "turn left")
	hasRight := strings.Contains(text, "右转") || strings.Contains(lower, "turn right")
	return hasLeft && hasRight
}

func hasCautionPrefix(text string) bool {
	lower := strings.ToLower(text)
	for _, prefix := range cautionPrefixes {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

func shorten(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	cut := maxChars - 3
	if cut < 1 {
		cut = 1
	}
	return strings.TrimRight(text[:cut], " ") + "..."
}

func fallbackMessage(risk string) string {
	switch normalizeRisk(risk, "P3") {
	case "P0":
		return "我对当前环境判断不够确定。请立即停下，先确认周边安全并寻求附近人员协助。"
	case "P1":
		return "我当前判断不够稳定。请先停下，用盲杖确认前方，再谨慎移动。"
	default:
		return "我现在不够确定。请先停下并确认周边环境安全。"
	}
}
