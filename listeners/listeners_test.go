// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

package listeners

import (
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestNew(t *testing.T) {
	l := New()
	require.NotNil(t, l)
	require.Equal(t, 0, l.Len())
}

func TestAddGetDelete(t *testing.T) {
	l := New()
	l.Add(NewMockListener("t1", ":1882"))

	listener, ok := l.Get("t1")
	require.True(t, ok)
	require.Equal(t, "t1", listener.ID())
	require.Equal(t, 1, l.Len())

	_, ok = l.Get("t2")
	require.False(t, ok)

	l.Delete("t1")
	_, ok = l.Get("t1")
	require.False(t, ok)
	require.Equal(t, 0, l.Len())
}

func TestServeAndCloseAll(t *testing.T) {
	l := New()
	ml := NewMockListener("t1", ":1882")
	require.NoError(t, ml.Init(logger))
	l.Add(ml)

	l.ServeAll(MockEstablisher)
	require.Eventually(t, ml.IsServing, time.Second, 5*time.Millisecond)

	closed := make([]string, 0, 1)
	l.CloseAll(func(id string) {
		closed = append(closed, id)
	})
	require.Equal(t, []string{"t1"}, closed)
	require.False(t, ml.IsServing())
}

func TestMockListenerInitFailure(t *testing.T) {
	ml := NewMockListener("t1", ":1882")
	ml.ErrListen = true
	require.Error(t, ml.Init(logger))
}

func TestMockListenerAccessors(t *testing.T) {
	ml := NewMockListener("t1", ":1882")
	require.Equal(t, "t1", ml.ID())
	require.Equal(t, ":1882", ml.Address())
	require.Equal(t, "mock", ml.Protocol())
}
