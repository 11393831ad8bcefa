package eventbus

import "strings"

// isWildcard reports whether pattern contains the single-segment wildcard
// "*". Patterns are dot-separated topic segments, e.g. "agent.a1.replies".
func isWildcard(pattern string) bool {
	return strings.Contains(pattern, "*")
}

// matchesTopic reports whether topic satisfies pattern under the strict
// single-segment wildcard rule: "*" stands for exactly one dot-separated
// segment, never zero and never more than one. "agent.*.replies" matches
// "agent.a1.replies" but not "agent.replies" or "agent.a1.b2.replies".
func matchesTopic(pattern, topic string) bool {
	if !isWildcard(pattern) {
		return pattern == topic
	}
	pSegs := strings.Split(pattern, ".")
	tSegs := strings.Split(topic, ".")
	if len(pSegs) != len(tSegs) {
		return false
	}
	for i, p := range pSegs {
		if p == "*" {
			continue
		}
		if p != tSegs[i] {
			return false
		}
	}
	return true
}
