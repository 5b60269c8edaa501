// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

// Package topics provides topic name canonicalization and filter matching
// for MQTT 3.1/3.1.1 topic strings.
package topics

import (
	"strings"
)

// SysPrefix is the reserved prefix indicating a broker system topic.
const SysPrefix = "$SYS"

// Normalize canonicalizes a topic string, collapsing runs of separators into
// a single `/` and stripping a trailing `/` from non-root topics. It is
// idempotent and applied to every inbound topic before any other processing.
func Normalize(topic string) string {
	if !strings.Contains(topic, "//") && !strings.HasSuffix(topic, "/") {
		return topic
	}

	parts := strings.Split(topic, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}

	if len(out) == 0 {
		return "/"
	}

	if strings.HasPrefix(topic, "/") {
		return "/" + strings.Join(out, "/")
	}

	return strings.Join(out, "/")
}

// Match reports whether an MQTT topic filter matches a concrete topic name,
// honouring the `+` single-level and `#` multi-level wildcards.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}

	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")

	for i, f := range fp {
		if f == "#" {
			return i == len(fp)-1
		}

		if i >= len(tp) {
			return false
		}

		if f != "+" && f != tp[i] {
			return false
		}
	}

	return len(fp) == len(tp)
}

// SysBlocked reports whether a topic under the reserved $SYS namespace must
// not be delivered through the given filter. Wildcards may not match $SYS at
// the root, so a filter with `#` or `+` within its first two characters never
// receives $SYS topics.
func SysBlocked(filter, topic string) bool {
	if !strings.HasPrefix(topic, SysPrefix) {
		return false
	}

	head := filter
	if len(head) > 2 {
		head = head[:2]
	}

	return strings.ContainsAny(head, "#+")
}
