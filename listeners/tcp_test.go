// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

package listeners

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewTCP(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: ":0"})
	require.Equal(t, "t1", l.ID())
	require.Equal(t, "tcp", l.Protocol())
}

func TestTCPInitAndAccept(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: "127.0.0.1:0"})
	require.NoError(t, l.Init(logger))
	defer l.Close(MockCloser)

	established := make(chan string, 1)
	go l.Serve(func(id string, c net.Conn) error {
		established <- id
		return c.Close()
	})

	conn, err := net.Dial("tcp", l.Address())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case id := <-established:
		require.Equal(t, "t1", id)
	case <-time.After(time.Second):
		t.Fatal("no connection established")
	}
}

func TestTCPInitFailure(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: "nonsense:xyz"})
	require.Error(t, l.Init(logger))
}

func TestTCPCloseIdempotent(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: "127.0.0.1:0"})
	require.NoError(t, l.Init(logger))

	var closes int
	closer := func(id string) { closes++ }
	l.Close(closer)
	l.Close(closer)
	require.Equal(t, 1, closes)
}
