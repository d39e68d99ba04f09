// Package transport implements the forwarding engine. A single event
// loop owns the path table, the destination and link registries and all
// relay state; interface reader goroutines hand frames to the loop over
// a bounded channel and never touch shared state themselves.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/weft-mesh/weft/weft/announce"
	"github.com/weft-mesh/weft/weft/destination"
	"github.com/weft-mesh/weft/weft/iface"
	"github.com/weft-mesh/weft/weft/identity"
	"github.com/weft-mesh/weft/weft/link"
	"github.com/weft-mesh/weft/weft/packet"
)

var (
	ErrUnknownDestination = errors.New("transport: no path and no local handler for destination")
	ErrQueueFull          = errors.New("transport: send queue full")
	ErrStopped            = errors.New("transport: stopped")
	ErrOversize           = errors.New("transport: packet exceeds interface MTU")
)

// Config carries the engine tunables. Zero values select defaults
// suited to IP-class media; radio deployments should raise the expiry
// and cool-down windows.
type Config struct {
	// MaxHops is the forwarding TTL. Zero means packet.MaxHops.
	MaxHops uint8
	// PathExpiry is the silence window after which a path is evicted.
	PathExpiry time.Duration
	// AnnounceCooldown rate-limits announce rebroadcasts per
	// destination per interface.
	AnnounceCooldown time.Duration
	// PathTableSize bounds the path table.
	PathTableSize int
	// DedupCapacity bounds the announce and packet dedup windows.
	DedupCapacity int
	// SweepInterval is the periodic timer driving expiry sweeps and
	// link timeouts. Zero means 500ms.
	SweepInterval time.Duration
	// QueueDepth bounds each interface's outbound queue and the loop's
	// inbound handoff queue. Zero means 256.
	QueueDepth int
	// Link is the base configuration for links this node takes part in.
	Link link.Config
}

func (c Config) withDefaults() Config {
	if c.MaxHops == 0 {
		c.MaxHops = packet.MaxHops
	}
	if c.PathExpiry <= 0 {
		c.PathExpiry = 30 * time.Minute
	}
	if c.AnnounceCooldown <= 0 {
		c.AnnounceCooldown = 2 * time.Second
	}
	if c.PathTableSize <= 0 {
		c.PathTableSize = 2048
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 4096
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 500 * time.Millisecond
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	return c
}

type inboundFrame struct {
	data []byte
	from iface.Interface
}

// ifaceState pairs an attached interface with its bounded outbound
// queue. A dedicated writer goroutine drains the queue so a congested
// medium can never stall the event loop; frames offered to a full
// queue are dropped newest-first.
type ifaceState struct {
	ifc   iface.Interface
	queue chan []byte
}

func (s *ifaceState) enqueue(frame []byte) bool {
	select {
	case s.queue <- frame:
		return true
	default:
		if sp, ok := s.ifc.(iface.StatsProvider); ok {
			sp.Stats().TxDropped.Add(1)
		}
		return false
	}
}

// Transport is a node's forwarding engine.
type Transport struct {
	cfg    Config
	nodeID identity.Hash
	known  *identity.KnownStore

	inbound chan inboundFrame
	control chan func()
	done    chan struct{}
	stopped chan struct{}

	// Everything below is owned by the event loop.
	interfaces   []*ifaceState
	destinations map[identity.Hash]*destination.Destination
	links        map[identity.Hash]*link.Link
	linkOut      map[identity.Hash]iface.Interface
	table        *announce.Table
	dedup        *announce.DedupWindow
	gate         *announce.RelayGate
	seen         *seenHashes
	linkRoutes   map[identity.Hash]*linkRoute
	reverse      map[identity.Hash]*reverseRoute
	receipts     map[identity.Hash]*Receipt

	onLinkAccepted func(*link.Link, *destination.Destination)
}

// New creates and starts a forwarding engine. nodeIdentity names this
// node in relayed packet headers; its hash is the transport id other
// nodes address when routing through us.
func New(nodeIdentity *identity.Identity, cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:          cfg,
		nodeID:       nodeIdentity.Hash(),
		known:        identity.NewKnownStore(cfg.DedupCapacity),
		inbound:      make(chan inboundFrame, cfg.QueueDepth),
		control:      make(chan func(), cfg.QueueDepth),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		destinations: make(map[identity.Hash]*destination.Destination),
		links:        make(map[identity.Hash]*link.Link),
		linkOut:      make(map[identity.Hash]iface.Interface),
		table:        announce.NewTable(cfg.PathExpiry, cfg.PathTableSize),
		dedup:        announce.NewDedupWindow(cfg.DedupCapacity),
		gate:         announce.NewRelayGate(cfg.AnnounceCooldown),
		seen:         newSeenHashes(cfg.DedupCapacity),
		linkRoutes:   make(map[identity.Hash]*linkRoute),
		reverse:      make(map[identity.Hash]*reverseRoute),
		receipts:     make(map[identity.Hash]*Receipt),
	}
	go t.run()
	return t
}

// NodeID returns this node's transport id.
func (t *Transport) NodeID() identity.Hash { return t.nodeID }

// Known returns the store of identities learned from announces.
func (t *Transport) Known() *identity.KnownStore { return t.known }

// AttachInterface registers an interface and starts consuming its
// frames. The interface's receiver is pointed at the loop's handoff
// queue; frames arriving faster than the loop drains are dropped.
func (t *Transport) AttachInterface(ifc iface.Interface) {
	state := &ifaceState{ifc: ifc, queue: make(chan []byte, t.cfg.QueueDepth)}
	go func() {
		for frame := range state.queue {
			_ = ifc.Send(frame)
		}
	}()
	ifc.Attach(func(frame []byte) {
		select {
		case t.inbound <- inboundFrame{data: frame, from: ifc}:
		case <-t.done:
		default:
			if sp, ok := ifc.(iface.StatsProvider); ok {
				sp.Stats().RxInvalid.Add(1)
			}
		}
	})
	t.onLoop(func() {
		t.interfaces = append(t.interfaces, state)
	})
}

// RegisterDestination makes a destination locally deliverable.
func (t *Transport) RegisterDestination(d *destination.Destination) {
	t.onLoop(func() {
		t.destinations[d.Hash()] = d
	})
}

// DeregisterDestination removes a local destination.
func (t *Transport) DeregisterDestination(hash identity.Hash) {
	t.onLoop(func() {
		delete(t.destinations, hash)
	})
}

// SetLinkAcceptedHandler registers a callback invoked when a remote
// initiator establishes a link to one of this node's destinations. The
// callback runs on its own goroutine; attach data and close handlers
// to the link from there.
func (t *Transport) SetLinkAcceptedHandler(h func(l *link.Link, d *destination.Destination)) {
	t.onLoop(func() {
		t.onLinkAccepted = h
	})
}

// Send transmits an outbound packet. Announces flood all usable
// interfaces; data addressed to a known path is unicast along it;
// anything else fails with ErrUnknownDestination. Oversized payloads
// are rejected here, at the source, never fragmented.
func (t *Transport) Send(p *packet.Packet) error {
	result := make(chan error, 1)
	if !t.onLoop(func() { result <- t.sendLocal(p, nil) }) {
		return ErrStopped
	}
	return <-result
}

// SendWithReceipt transmits a data packet and returns a Receipt that
// resolves when the destination's signed delivery proof arrives. The
// destination must have proofs enabled and its identity must be known.
func (t *Transport) SendWithReceipt(p *packet.Packet, timeout time.Duration) (*Receipt, error) {
	r := newReceipt(p, timeout)
	result := make(chan error, 1)
	ok := t.onLoop(func() {
		if err := t.sendLocal(p, nil); err != nil {
			result <- err
			return
		}
		t.receipts[r.packetID] = r
		result <- nil
	})
	if !ok {
		return nil, ErrStopped
	}
	if err := <-result; err != nil {
		return nil, err
	}
	return r, nil
}

// HasPath reports whether a live path to the destination is known, and
// its hop distance.
func (t *Transport) HasPath(dest identity.Hash) (hops uint8, ok bool) {
	result := make(chan *announce.Entry, 1)
	if !t.onLoop(func() { result <- t.table.Lookup(dest, time.Now()) }) {
		return 0, false
	}
	e := <-result
	if e == nil {
		return 0, false
	}
	return e.Hops, true
}

// EstablishLink starts a link handshake toward a remote single
// destination and waits for it to become active. The destination must
// have been announced: both its identity and a path are required.
func (t *Transport) EstablishLink(ctx context.Context, dest identity.Hash) (*link.Link, error) {
	remote, ok := t.known.Recall(dest)
	if !ok {
		return nil, ErrUnknownDestination
	}

	type outcome struct {
		l   *link.Link
		err error
	}
	result := make(chan outcome, 1)
	started := t.onLoop(func() {
		entry := t.table.Lookup(dest, time.Now())
		if entry == nil {
			result <- outcome{err: ErrUnknownDestination}
			return
		}
		cfg := t.cfg.Link
		if entry.Interface != nil && (cfg.MTU == 0 || entry.Interface.MTU() < cfg.MTU) {
			cfg.MTU = entry.Interface.MTU()
		}
		l, req, err := link.NewInitiator(dest, remote, t.linkOutbound, cfg)
		if err != nil {
			result <- outcome{err: err}
			return
		}
		t.links[l.ID()] = l
		if err := t.sendLocal(req, nil); err != nil {
			delete(t.links, l.ID())
			result <- outcome{err: err}
			return
		}
		result <- outcome{l: l}
	})
	if !started {
		return nil, ErrStopped
	}
	out := <-result
	if out.err != nil {
		return nil, out.err
	}
	if err := out.l.AwaitEstablished(ctx); err != nil {
		return nil, err
	}
	return out.l, nil
}

// Stop shuts the engine down. Attached interfaces are detached and all
// links are closed without network notice; peers detect the silence
// through their own keepalive timeouts.
func (t *Transport) Stop() {
	select {
	case <-t.done:
		return
	default:
	}
	close(t.done)
	<-t.stopped
}

// onLoop schedules fn on the event loop. Returns false if the engine
// has stopped. True means fn runs: either the loop picks it up, or one
// of the two shutdown drains does. A send that lands after the final
// drain is caught by the stopped check below, so the caller reports
// ErrStopped instead of blocking on a result that never comes.
func (t *Transport) onLoop(fn func()) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.control <- fn:
	case <-t.done:
		return false
	}
	select {
	case <-t.stopped:
		return false
	default:
		return true
	}
}

func (t *Transport) run() {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	defer func() {
		// A racing onLoop can still land a fn on the queue after the
		// first drain. Close stopped first, then drain again: anything
		// sent later finds stopped closed and the caller backs off.
		close(t.stopped)
		t.drainControl()
	}()
	for {
		select {
		case f := <-t.inbound:
			t.handleInbound(f.data, f.from)
		case fn := <-t.control:
			fn()
		case now := <-ticker.C:
			t.sweep(now)
		case <-t.done:
			// Run whatever made it onto the control queue before the
			// interface queues close; callers blocked on results depend
			// on it.
			t.drainControl()
			for _, s := range t.interfaces {
				s.ifc.Attach(nil)
				close(s.queue)
			}
			// Late-drained fns must not enqueue on the closed queues.
			t.interfaces = nil
			for _, l := range t.links {
				_ = l.Close()
			}
			return
		}
	}
}

func (t *Transport) drainControl() {
	for {
		select {
		case fn := <-t.control:
			fn()
		default:
			return
		}
	}
}

func (t *Transport) sweep(now time.Time) {
	t.table.Sweep(now)
	t.gate.Sweep(now)
	for id, l := range t.links {
		l.Tick(now)
		if l.State() == link.Closed {
			delete(t.links, id)
			delete(t.linkOut, id)
		}
	}
	for id, r := range t.linkRoutes {
		if now.After(r.expiresAt) {
			delete(t.linkRoutes, id)
		}
	}
	for id, r := range t.reverse {
		if now.After(r.expiresAt) {
			delete(t.reverse, id)
		}
	}
	for id, r := range t.receipts {
		if now.After(r.deadline) {
			r.fail(ErrReceiptTimeout)
			delete(t.receipts, id)
		}
	}
}

// linkOutbound is the transmit path handed to links this node takes
// part in. It runs on arbitrary goroutines, so it schedules onto the
// loop and does not wait for the result; link traffic is fire and
// forget at this layer.
func (t *Transport) linkOutbound(p *packet.Packet) error {
	select {
	case t.control <- func() { _ = t.sendLocal(p, nil) }:
		return nil
	case <-t.done:
		return ErrStopped
	default:
		// Links also transmit from loop context (keepalives, relayed
		// teardown); never block the loop on its own control queue.
		return ErrQueueFull
	}
}
