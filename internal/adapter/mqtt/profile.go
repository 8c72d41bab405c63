package mqtt

import (
	"regexp"
	"strings"
)

// Profile is the declarative alias/normalization table that lets the
// generic adapter speak a vendor's own field names and event vocabulary
// instead of the canonical one (spec.md §4.2.2).
type Profile struct {
	// FieldAliases maps a canonical envelope field name to the vendor's
	// key names for it, e.g. "device_id": ["dev", "did"].
	FieldAliases map[string][]string
	// EventTypeAliases normalizes vendor event type strings to canonical
	// ones, e.g. "hb" -> "heartbeat". Keys are matched after
	// normalizeAlias.
	EventTypeAliases map[string]string
	// PayloadFieldAliases maps a canonical payload field to vendor keys,
	// consulted when resolving audio_b64/encoding/seq/ts from a JSON
	// base64 audio uplink message.
	PayloadFieldAliases map[string][]string
	// DownlinkKeyRemap renames canonical envelope keys when serializing
	// an outbound command, e.g. "type" -> "cmd", "payload" -> "data".
	DownlinkKeyRemap map[string]string
	// CommandTypeAliases renames canonical command type values on the
	// way out, e.g. "tts_stop" -> "stop_tts".
	CommandTypeAliases map[string]string
}

// normalizeAlias strips non-alphanumerics and lowercases, so alias
// matching is case- and punctuation-insensitive.
func normalizeAlias(s string) string {
	return aliasStripper.ReplaceAllString(strings.ToLower(s), "")
}

var aliasStripper = regexp.MustCompile(`[^a-z0-9]+`)

// resolveField looks up canonical in data via Profile.FieldAliases,
// falling back to the canonical key itself.
func (p Profile) resolveField(data map[string]any, canonical string) (any, bool) {
	for _, alias := range append([]string{canonical}, p.FieldAliases[canonical]...) {
		if v, ok := lookupCI(data, alias); ok {
			return v, true
		}
	}
	return nil, false
}

func (p Profile) resolvePayloadField(payload map[string]any, canonical string) (any, bool) {
	for _, alias := range append([]string{canonical}, p.PayloadFieldAliases[canonical]...) {
		if v, ok := lookupCI(payload, alias); ok {
			return v, true
		}
	}
	return nil, false
}

// normalizeEventType resolves a vendor event-type string to its canonical
// form via EventTypeAliases, matched case/punctuation-insensitively.
func (p Profile) normalizeEventType(raw string) string {
	target := normalizeAlias(raw)
	for alias, canonical := range p.EventTypeAliases {
		if normalizeAlias(alias) == target {
			return canonical
		}
	}
	return raw
}

// remapDownlinkCommandType renames a canonical command type for the wire,
// e.g. "tts_stop" -> "stop_tts".
func (p Profile) remapDownlinkCommandType(canonical string) string {
	if mapped, ok := p.CommandTypeAliases[canonical]; ok {
		return mapped
	}
	return canonical
}

// remapDownlinkEnvelope renders a canonical envelope map through
// DownlinkKeyRemap, renaming top-level keys (e.g. type -> cmd, payload ->
// data) without touching nested payload contents.
func (p Profile) remapDownlinkEnvelope(env map[string]any) map[string]any {
	if len(p.DownlinkKeyRemap) == 0 {
		return env
	}
	out := make(map[string]any, len(env))
	for k, v := range env {
		if renamed, ok := p.DownlinkKeyRemap[k]; ok {
			out[renamed] = v
		} else {
			out[k] = v
		}
	}
	return out
}

func lookupCI(data map[string]any, key string) (any, bool) {
	if v, ok := data[key]; ok {
		return v, true
	}
	target := normalizeAlias(key)
	for k, v := range data {
		if normalizeAlias(k) == target {
			return v, true
		}
	}
	return nil, false
}
