// Package iface defines the contract every physical or network medium
// driver implements. The core treats all media uniformly through this
// contract; drivers for specific media live in subpackages.
package iface

import (
	"errors"
	"sync/atomic"
)

var (
	ErrUnavailable   = errors.New("iface: interface not usable")
	ErrFrameTooLarge = errors.New("iface: frame exceeds interface MTU")
)

// Interface is an abstract duplex frame transport over one medium.
//
// Send must not block indefinitely on a slow medium; drivers queue or
// drop under congestion. Received frames are handed to the receiver
// registered with Attach, one call per frame, from the driver's reader
// goroutine. The receiver must return quickly; the forwarding engine
// hands frames off to its own loop before touching shared state.
type Interface interface {
	// Name identifies the interface for diagnostics and path entries.
	Name() string

	// MTU is the largest frame the medium carries. Values as small as
	// a few tens of bytes are legal.
	MTU() int

	// Online reports whether the interface is currently usable.
	Online() bool

	// Send transmits one frame. Returns ErrUnavailable when offline and
	// ErrFrameTooLarge when the frame exceeds the MTU.
	Send(frame []byte) error

	// Attach registers the frame receiver. A nil receiver detaches.
	Attach(recv func(frame []byte))
}

// Stats carries per-interface traffic counters. Drivers embed it; the
// forwarding engine reads it through the StatsProvider assertion.
type Stats struct {
	TxBytes   atomic.Uint64
	RxBytes   atomic.Uint64
	TxFrames  atomic.Uint64
	RxFrames  atomic.Uint64
	TxDropped atomic.Uint64
	RxInvalid atomic.Uint64
}

// StatsProvider is implemented by drivers that expose traffic counters.
type StatsProvider interface {
	Stats() *Stats
}
