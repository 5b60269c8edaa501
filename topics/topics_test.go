// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

package topics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tt := []struct {
		in  string
		out string
	}{
		{"a/b/c", "a/b/c"},
		{"a//b", "a/b"},
		{"a///b//c", "a/b/c"},
		{"a/b/", "a/b"},
		{"a/b//", "a/b"},
		{"/a/b", "/a/b"},
		{"/a/b/", "/a/b"},
		{"/", "/"},
		{"//", "/"},
		{"", ""},
		{"a", "a"},
		{"$SYS/broker//uptime/", "$SYS/broker/uptime"},
	}

	for _, tx := range tt {
		require.Equal(t, tx.out, Normalize(tx.in), "input %q", tx.in)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"a/b/c", "a//b/", "//", "/a//b//", "sensors/+/temp", "#", ""}
	for _, in := range inputs {
		once := Normalize(in)
		require.Equal(t, once, Normalize(once), "input %q", in)
	}
}

func TestMatch(t *testing.T) {
	tt := []struct {
		filter string
		topic  string
		ok     bool
	}{
		{"a/b", "a/b", true},
		{"a/b", "a/c", false},
		{"a/+", "a/b", true},
		{"a/+", "a/b/c", false},
		{"a/+/c", "a/b/c", true},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true},
		{"#", "a/b/c", true},
		{"#", "a", true},
		{"+", "a", true},
		{"+", "a/b", false},
		{"+/tennis/#", "sport/tennis/player1", true},
		{"sport/+", "sport", false},
		{"sensors/+/temp", "sensors/kitchen/temp", true},
		{"a/b/#", "a/b", true},
	}

	for _, tx := range tt {
		require.Equal(t, tx.ok, Match(tx.filter, tx.topic), "filter %q topic %q", tx.filter, tx.topic)
	}
}

func TestSysBlocked(t *testing.T) {
	tt := []struct {
		filter  string
		topic   string
		blocked bool
	}{
		{"#", "$SYS/uptime", true},
		{"+/uptime", "$SYS/uptime", true},
		{"$SYS/#", "$SYS/uptime", false},
		{"$SYS/uptime", "$SYS/uptime", false},
		{"#", "a/b", false},
		{"+/b", "a/b", false},
	}

	for _, tx := range tt {
		require.Equal(t, tx.blocked, SysBlocked(tx.filter, tx.topic), "filter %q topic %q", tx.filter, tx.topic)
	}
}
