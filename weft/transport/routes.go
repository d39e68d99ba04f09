package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/weft-mesh/weft/weft/iface"
	"github.com/weft-mesh/weft/weft/identity"
	"github.com/weft-mesh/weft/weft/packet"
)

var ErrReceiptTimeout = errors.New("transport: no delivery proof before deadline")

// seenHashes is the transport-wide packet dedup window: a bounded FIFO
// set of full packet hashes. Owned by the event loop.
type seenHashes struct {
	max   int
	set   map[string]struct{}
	order []string
}

func newSeenHashes(max int) *seenHashes {
	if max <= 0 {
		max = 4096
	}
	return &seenHashes{max: max, set: make(map[string]struct{})}
}

// Seen records the hash and reports whether it was already present.
func (s *seenHashes) Seen(hash []byte) bool {
	key := string(hash)
	if _, ok := s.set[key]; ok {
		return true
	}
	if len(s.order) >= s.max {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.set, oldest)
	}
	s.set[key] = struct{}{}
	s.order = append(s.order, key)
	return false
}

// linkRoute is a relay node's record of a link whose handshake passed
// through it: the interface toward the initiator and the interface the
// request was forwarded on. Proofs and link traffic follow it in both
// directions without the relay being able to read any of it.
type linkRoute struct {
	toInitiator iface.Interface
	toResponder iface.Interface
	expiresAt   time.Time
}

// opposite returns the interface to forward on for a link packet that
// arrived on from, or nil when from is neither side of the route.
func (r *linkRoute) opposite(from iface.Interface) iface.Interface {
	switch from {
	case r.toInitiator:
		return r.toResponder
	case r.toResponder:
		return r.toInitiator
	}
	return nil
}

// reverseRoute remembers which interface a forwarded packet arrived
// on, so a delivery proof addressed to that packet's hash can retrace
// the path hop by hop.
type reverseRoute struct {
	ifc       iface.Interface
	expiresAt time.Time
}

// Receipt tracks an outstanding delivery proof for one sent packet.
type Receipt struct {
	packetID identity.Hash // truncated hash of the proved packet
	fullHash []byte
	dest     identity.Hash
	deadline time.Time

	mu       sync.Mutex
	err      error
	resolved bool
	done     chan struct{}
}

func newReceipt(p *packet.Packet, timeout time.Duration) *Receipt {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Receipt{
		packetID: p.TruncatedHash(),
		fullHash: p.Hash(),
		dest:     p.DestinationHash,
		deadline: time.Now().Add(timeout),
		done:     make(chan struct{}),
	}
}

// Wait blocks until the proof arrives, the receipt times out, or ctx
// is done.
func (r *Receipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Receipt) resolve() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return
	}
	r.resolved = true
	close(r.done)
}

func (r *Receipt) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return
	}
	r.resolved = true
	r.err = err
	close(r.done)
}
