// Package subscribe implements the subscription manager (spec component C3)
// and the retained-message dispatcher (C9): classification of SUBSCRIBE
// filters into exclusive / shared-leader / shared-follower, the subscription
// tables, and MQTT wildcard topic matching.
package subscribe

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxTopicLength is the MQTT spec's two-byte length-prefix ceiling for a topic.
const MaxTopicLength = 65535

// MatchTopic reports whether topic matches filter, honoring MQTT wildcards:
// '+' matches exactly one level, '#' matches the remainder (must be last).
// Per MQTT-4.7.2-1, a filter starting with a wildcard never matches a topic
// starting with '$' (reserved for broker-internal topics).
func MatchTopic(filter, topic string) bool {
	if len(topic) > 0 && topic[0] == '$' {
		if len(filter) > 0 && (filter[0] == '+' || filter[0] == '#') {
			return false
		}
	}

	fIdx, tIdx := 0, 0
	fLen, tLen := len(filter), len(topic)

	for fIdx <= fLen {
		var fLevel string
		var fNext int
		if idx := strings.IndexByte(filter[fIdx:], '/'); idx >= 0 {
			fNext = fIdx + idx
			fLevel = filter[fIdx:fNext]
		} else {
			fNext = fLen
			fLevel = filter[fIdx:]
		}

		if fLevel == "#" {
			return true
		}

		if tIdx > tLen {
			return false
		}

		var tLevel string
		var tNext int
		if idx := strings.IndexByte(topic[tIdx:], '/'); idx >= 0 {
			tNext = tIdx + idx
			tLevel = topic[tIdx:tNext]
		} else {
			tNext = tLen
			tLevel = topic[tIdx:]
		}

		if fLevel == "+" {
			// matches this level unconditionally
		} else if fLevel != tLevel {
			return false
		}

		if fNext == fLen {
			fIdx = fLen + 1
		} else {
			fIdx = fNext + 1
		}
		if tNext == tLen {
			tIdx = tLen + 1
		} else {
			tIdx = tNext + 1
		}
	}

	return tIdx > tLen
}

const (
	sharePrefix = "$share/"
	queuePrefix = "$queue/"
	// DefaultQueueGroup is the synthetic shared-subscription group name used
	// for "$queue/<path>" filters, which spec.md §6 describes as mapping to
	// "a default group name".
	DefaultQueueGroup = "$queue"
)

// SharedFilter describes a parsed "$share/<group>/<path>" or "$queue/<path>"
// filter.
type SharedFilter struct {
	GroupName string
	Path      string
}

// ParseSharedFilter reports whether filter is a shared-subscription filter
// and, if so, returns the group name and underlying path. "$queue/<path>" is
// a shorthand for "$share/$queue/<path>", per original_source's
// sub_share_leader.rs handling of both forms.
func ParseSharedFilter(filter string) (SharedFilter, bool) {
	if strings.HasPrefix(filter, sharePrefix) {
		rest := filter[len(sharePrefix):]
		idx := strings.IndexByte(rest, '/')
		if idx <= 0 {
			return SharedFilter{}, false
		}
		return SharedFilter{GroupName: rest[:idx], Path: rest[idx+1:]}, true
	}
	if strings.HasPrefix(filter, queuePrefix) {
		return SharedFilter{GroupName: DefaultQueueGroup, Path: filter[len(queuePrefix):]}, true
	}
	return SharedFilter{}, false
}

// ValidateFilter validates a topic filter for SUBSCRIBE, accepting
// wildcards and the shared-subscription prefixes.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("topic filter cannot be empty")
	}
	if len(filter) > MaxTopicLength {
		return fmt.Errorf("topic filter length %d exceeds maximum %d", len(filter), MaxTopicLength)
	}
	if strings.Contains(filter, "\x00") {
		return fmt.Errorf("topic filter contains null byte")
	}
	if !utf8.ValidString(filter) {
		return fmt.Errorf("topic filter is not valid UTF-8")
	}

	path := filter
	if shared, ok := ParseSharedFilter(filter); ok {
		if shared.GroupName == "" || shared.Path == "" {
			return fmt.Errorf("shared subscription filter must have a group and a path")
		}
		path = shared.Path
	} else if strings.HasPrefix(filter, sharePrefix) {
		return fmt.Errorf("shared subscription filter must have a group and a path")
	}

	parts := strings.Split(path, "/")
	for i, part := range parts {
		if strings.Contains(part, "+") && part != "+" {
			return fmt.Errorf("single-level wildcard '+' must occupy an entire topic level")
		}
		if strings.Contains(part, "#") {
			if part != "#" {
				return fmt.Errorf("multi-level wildcard '#' must occupy an entire topic level")
			}
			if i != len(parts)-1 {
				return fmt.Errorf("multi-level wildcard '#' must be the last level")
			}
		}
	}
	return nil
}

// ValidateTopicName validates a concrete topic name used in PUBLISH (no
// wildcards allowed).
func ValidateTopicName(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	if len(topic) > MaxTopicLength {
		return fmt.Errorf("topic length %d exceeds maximum %d", len(topic), MaxTopicLength)
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("topic name must not contain wildcards")
	}
	if strings.Contains(topic, "\x00") {
		return fmt.Errorf("topic contains null byte")
	}
	if !utf8.ValidString(topic) {
		return fmt.Errorf("topic is not valid UTF-8")
	}
	return nil
}
