// Package mem provides paired in-memory interfaces. A frame sent on one
// end is delivered to the other end's receiver. Used by tests and
// examples to build multi-node topologies without real media.
package mem

import (
	"sync"
	"sync/atomic"

	"github.com/weft-mesh/weft/weft/iface"
)

// Interface is one end of an in-memory pair.
type Interface struct {
	name   string
	mtu    int
	online atomic.Bool
	stats  iface.Stats

	mu   sync.Mutex
	peer *Interface
	recv func([]byte)
}

// Pair creates two connected interfaces. nameA and nameB identify the
// ends; mtu applies to both, with zero meaning 500.
func Pair(nameA, nameB string, mtu int) (*Interface, *Interface) {
	if mtu <= 0 {
		mtu = 500
	}
	a := &Interface{name: nameA, mtu: mtu}
	b := &Interface{name: nameB, mtu: mtu}
	a.peer, b.peer = b, a
	a.online.Store(true)
	b.online.Store(true)
	return a, b
}

func (i *Interface) Name() string { return i.name }
func (i *Interface) MTU() int     { return i.mtu }
func (i *Interface) Online() bool { return i.online.Load() }

// SetOnline toggles the usable state, simulating link up/down.
func (i *Interface) SetOnline(up bool) { i.online.Store(up) }

// Stats exposes the traffic counters.
func (i *Interface) Stats() *iface.Stats { return &i.stats }

func (i *Interface) Attach(recv func(frame []byte)) {
	i.mu.Lock()
	i.recv = recv
	i.mu.Unlock()
}

func (i *Interface) Send(frame []byte) error {
	if !i.online.Load() || !i.peer.online.Load() {
		return iface.ErrUnavailable
	}
	if len(frame) > i.mtu {
		return iface.ErrFrameTooLarge
	}
	i.stats.TxFrames.Add(1)
	i.stats.TxBytes.Add(uint64(len(frame)))
	i.peer.deliver(append([]byte(nil), frame...))
	return nil
}

func (i *Interface) deliver(frame []byte) {
	i.mu.Lock()
	recv := i.recv
	i.mu.Unlock()
	i.stats.RxFrames.Add(1)
	i.stats.RxBytes.Add(uint64(len(frame)))
	if recv != nil {
		recv(frame)
	}
}
