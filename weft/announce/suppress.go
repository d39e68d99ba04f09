package announce

import (
	"time"

	"github.com/weft-mesh/weft/weft/identity"
)

// DedupWindow remembers recently seen (destination, random blob) pairs
// so retransmitted copies of the same announce are absorbed instead of
// being re-processed. Bounded FIFO; owned by the transport loop.
type DedupWindow struct {
	max   int
	seen  map[string]struct{}
	order []string
}

// NewDedupWindow creates a window remembering up to max pairs.
func NewDedupWindow(max int) *DedupWindow {
	if max <= 0 {
		max = 4096
	}
	return &DedupWindow{
		max:  max,
		seen: make(map[string]struct{}),
	}
}

// Seen records the pair and reports whether it was already present.
func (w *DedupWindow) Seen(destination identity.Hash, blob []byte) bool {
	key := string(destination[:]) + string(blob)
	if _, ok := w.seen[key]; ok {
		return true
	}
	if len(w.order) >= w.max {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
	w.seen[key] = struct{}{}
	w.order = append(w.order, key)
	return false
}

// RelayGate rate-limits announce rebroadcasts per destination per
// interface. Announces arriving inside the cool-down still update the
// path table but are not relayed, bounding flood cost on constrained
// media. Owned by the transport loop.
type RelayGate struct {
	cooldown time.Duration
	last     map[string]time.Time
}

// NewRelayGate creates a gate with the given cool-down. Zero or
// negative means 2 seconds.
func NewRelayGate(cooldown time.Duration) *RelayGate {
	if cooldown <= 0 {
		cooldown = 2 * time.Second
	}
	return &RelayGate{
		cooldown: cooldown,
		last:     make(map[string]time.Time),
	}
}

// Allow reports whether a rebroadcast for destination on the named
// interface is permitted now, and records it if so.
func (g *RelayGate) Allow(destination identity.Hash, ifaceName string, now time.Time) bool {
	key := string(destination[:]) + ifaceName
	if last, ok := g.last[key]; ok && now.Sub(last) < g.cooldown {
		return false
	}
	g.last[key] = now
	return true
}

// Sweep drops stale gate records so the map stays bounded.
func (g *RelayGate) Sweep(now time.Time) {
	for key, last := range g.last {
		if now.Sub(last) >= g.cooldown {
			delete(g.last, key)
		}
	}
}
