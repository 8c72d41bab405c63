package mqtt

import (
	"regexp"
	"strings"
)

// renderTopic substitutes {device_id} into a topic template.
func renderTopic(template, deviceID string) string {
	return strings.ReplaceAll(template, "{device_id}", deviceID)
}

// extractDeviceID pulls the device id out of a received topic using the
// `+` wildcard position in the configured uplink pattern, falling back to
// a `device/<id>/...` shaped match when the pattern has no wildcard or
// doesn't line up with the received topic.
func extractDeviceID(pattern, topic string) string {
	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")
	if len(patternParts) == len(topicParts) {
		for i, p := range patternParts {
			if p == "+" {
				return topicParts[i]
			}
		}
	}
	if m := deviceTopicFallback.FindStringSubmatch(topic); len(m) == 2 {
		return m[1]
	}
	return ""
}

var deviceTopicFallback = regexp.MustCompile(`device/([^/]+)/`)
