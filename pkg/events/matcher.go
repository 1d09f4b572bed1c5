package events

import (
	"strings"

	"github.com/cuemby/darkroom/pkg/errdefs"
)

// MatchTopic reports whether a concrete topic matches a subscription
// pattern. Patterns are dot-separated segments; a trailing "*" segment
// matches one or more remaining segments, so "photo.*" covers both
// "photo.uploaded" and "photo.processing.stage.completed". A bare "*"
// matches every topic.
func MatchTopic(pattern, topic string) bool {
	if pattern == "" || topic == "" {
		return false
	}
	if pattern == topic {
		return true
	}
	if pattern == "*" {
		return true
	}

	segs := strings.Split(pattern, ".")
	last := len(segs) - 1
	if segs[last] != "*" {
		return false
	}

	topicSegs := strings.Split(topic, ".")
	// the wildcard itself must consume at least one segment
	if len(topicSegs) <= last {
		return false
	}
	for i := 0; i < last; i++ {
		if segs[i] != topicSegs[i] {
			return false
		}
	}
	return true
}

// ValidatePattern rejects patterns the matcher cannot honor: empty
// patterns, empty segments, and wildcards anywhere but the final segment.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return errPattern(pattern, "pattern is empty")
	}
	segs := strings.Split(pattern, ".")
	for i, seg := range segs {
		if seg == "" {
			return errPattern(pattern, "empty segment")
		}
		if strings.Contains(seg, "*") && (seg != "*" || i != len(segs)-1) {
			return errPattern(pattern, "wildcard allowed only as the final segment")
		}
	}
	return nil
}

func errPattern(pattern, msg string) error {
	return errdefs.New(errdefs.KindValidationFailed, "invalid topic pattern %q: %s", pattern, msg)
}
