// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

// Package bus defines the pub/sub fabric the session core publishes into and
// receives deliveries from, plus a process-local in-memory implementation.
package bus

import (
	"errors"
)

var (
	// ErrNotRegistered indicates an attempt to deregister an unknown registration.
	ErrNotRegistered = errors.New("registration not found")

	// ErrBusClosed indicates the bus has been closed.
	ErrBusClosed = errors.New("bus closed")
)

// Options is the delivery envelope carried with every message published on
// the bus. The dedup id is stamped by the broker so sessions subscribed to
// overlapping filters deliver each message at most once.
type Options struct {
	Origin  string // the client id the message originated from
	DedupID uint64 // broker-assigned monotone token, 0 when unstamped
	Qos     byte   // the qos the message was published with
	Retain  bool   // whether the message was published with the retain flag
	Offline bool   // whether the message is an offline-queue replay
}

// Handler is the callback invoked for each matching registration when a
// message is published. It runs on the publishing goroutine, so concurrent
// publishes may invoke the same registration's handler concurrently.
type Handler func(topic string, payload []byte, opts *Options)

// Registration is an opaque handle for an active subscription on the bus.
// Function values are not comparable in Go, so deregistration is by handle.
type Registration struct {
	Filter  string
	handler Handler
}

// Bus is a topic-matching broadcast fabric. Implementations must serialize
// access to their own registry; handlers guard their own state.
type Bus interface {
	// Subscribe registers a handler for a topic filter and returns the
	// registration handle required to unsubscribe.
	Subscribe(filter string, h Handler) (*Registration, error)

	// Unsubscribe deregisters a previously returned registration.
	Unsubscribe(r *Registration) error

	// Publish delivers a message to every registration whose filter matches
	// the topic. The same opts value is handed to each handler in turn so
	// the first delivery can stamp it for the rest.
	Publish(topic string, payload []byte, opts *Options) error

	// Close releases the bus. Subsequent operations fail.
	Close() error
}
