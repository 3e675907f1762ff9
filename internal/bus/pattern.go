package bus

import "strings"

// MatchTopic reports whether a subscription pattern matches a topic.
// Patterns are exact topic names, a bare "*" matching everything, or a
// prefix wildcard whose final segment is "*" ("market.*", "order.*").
func MatchTopic(pattern, topic string) bool {
	if pattern == "" || topic == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ".*") {
		return pattern == topic
	}
	prefix := strings.TrimSuffix(pattern, "*")
	if !strings.HasPrefix(topic, prefix) {
		return false
	}
	// "market.*" must not match "market." itself.
	return len(topic) > len(prefix)
}
