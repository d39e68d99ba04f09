package transport

import (
	"time"

	"github.com/weft-mesh/weft/weft/announce"
	"github.com/weft-mesh/weft/weft/destination"
	"github.com/weft-mesh/weft/weft/iface"
	"github.com/weft-mesh/weft/weft/identity"
	"github.com/weft-mesh/weft/weft/link"
	"github.com/weft-mesh/weft/weft/packet"
)

// handleInbound is the per-packet state machine:
// RECEIVED -> (LOCAL_DELIVERY | FORWARD | DROP). Every decode or
// verification failure ends in a silent drop; nothing is ever signaled
// back over the network.
func (t *Transport) handleInbound(data []byte, from iface.Interface) {
	p, err := packet.Unpack(data)
	if err != nil {
		countInvalid(from)
		return
	}
	if p.Hops > t.cfg.MaxHops {
		return
	}
	if t.seen.Seen(p.Hash()) {
		return
	}

	if p.PacketType == packet.TypeAnnounce {
		t.handleAnnounce(p, from)
		return
	}

	if p.DestinationType == packet.DestLink {
		t.handleLinkAddressed(p, from)
		return
	}

	// Delivery proofs are addressed to the proved packet's hash, not to
	// a destination; match receipts first, then retrace reverse routes.
	if p.PacketType == packet.TypeProof && p.Context == packet.ContextNone {
		t.handleProofPacket(p, from)
		return
	}

	if p.HeaderType == packet.Header2 {
		if p.TransportID != t.nodeID {
			// Some other relay's traffic overheard on a shared medium.
			return
		}
		if t.deliverLocal(p, from) {
			return
		}
		t.forward(p, from)
		return
	}

	// Header 1: deliver locally or drop. Data packets are never
	// blind-rebroadcast; only announces flood.
	t.deliverLocal(p, from)
}

// handleAnnounce validates a reachability assertion, updates the path
// table and decides on rebroadcast. Rebroadcasts rewrite the header to
// type 2 naming this node, so downstream nodes learn their next hop;
// the signed payload is relayed verbatim.
func (t *Transport) handleAnnounce(p *packet.Packet, from iface.Interface) {
	a, err := announce.Parse(p.DestinationHash, p.Payload)
	if err != nil {
		countInvalid(from)
		return
	}
	if t.dedup.Seen(p.DestinationHash, a.RandomBlob) {
		return
	}
	t.known.Remember(p.DestinationHash, a.Identity, a.AppData)

	if _, local := t.destinations[p.DestinationHash]; local {
		// Our own announce echoed back.
		return
	}

	now := time.Now()
	var nextHop identity.Hash
	if p.HeaderType == packet.Header2 {
		nextHop = p.TransportID
	}
	distance := p.Hops + 1
	if !t.table.Consider(p.DestinationHash, distance, from, nextHop, p.Payload, now) {
		return
	}
	if distance >= t.cfg.MaxHops {
		return
	}

	out := *p
	out.Hops = p.Hops + 1
	out.HeaderType = packet.Header2
	out.TransportID = t.nodeID
	for _, s := range t.interfaces {
		if s.ifc == from || !s.ifc.Online() {
			continue
		}
		if !t.gate.Allow(p.DestinationHash, s.ifc.Name(), now) {
			continue
		}
		raw, err := out.Pack()
		if err != nil || len(raw) > s.ifc.MTU() {
			continue
		}
		s.enqueue(raw)
	}
}

// handleLinkAddressed dispatches traffic addressed to a link id: local
// links consume it, relays pass it to the opposite side of the recorded
// handshake path.
func (t *Transport) handleLinkAddressed(p *packet.Packet, from iface.Interface) {
	if l, ok := t.links[p.DestinationHash]; ok {
		if p.PacketType == packet.TypeProof && p.Context == packet.ContextLinkProof {
			if err := l.HandleProof(p); err == nil {
				t.linkOut[l.ID()] = from
			}
			return
		}
		l.HandlePacket(p)
		return
	}
	if r, ok := t.linkRoutes[p.DestinationHash]; ok {
		out := r.opposite(from)
		if out == nil || !out.Online() || p.Hops >= t.cfg.MaxHops {
			return
		}
		fwd := *p
		fwd.Hops = p.Hops + 1
		raw, err := fwd.Pack()
		if err != nil || len(raw) > out.MTU() {
			return
		}
		r.expiresAt = time.Now().Add(t.linkRouteIdle())
		for _, s := range t.interfaces {
			if s.ifc == out {
				s.enqueue(raw)
				return
			}
		}
	}
}

// handleProofPacket resolves a pending receipt or retraces the proved
// packet's path one hop back toward its origin.
func (t *Transport) handleProofPacket(p *packet.Packet, from iface.Interface) {
	if r, ok := t.receipts[p.DestinationHash]; ok {
		if t.validateReceiptProof(r, p) {
			r.resolve()
			delete(t.receipts, p.DestinationHash)
		}
		return
	}
	if rev, ok := t.reverse[p.DestinationHash]; ok {
		if rev.ifc == from || !rev.ifc.Online() || p.Hops >= t.cfg.MaxHops {
			return
		}
		fwd := *p
		fwd.Hops = p.Hops + 1
		raw, err := fwd.Pack()
		if err != nil || len(raw) > rev.ifc.MTU() {
			return
		}
		for _, s := range t.interfaces {
			if s.ifc == rev.ifc {
				s.enqueue(raw)
				return
			}
		}
	}
}

func (t *Transport) validateReceiptProof(r *Receipt, p *packet.Packet) bool {
	if len(p.Payload) != 32+identity.SignatureLength {
		return false
	}
	hash := p.Payload[:32]
	signature := p.Payload[32:]
	if string(hash) != string(r.fullHash) {
		return false
	}
	prover, ok := t.known.Recall(r.dest)
	if !ok {
		return false
	}
	return prover.Verify(hash, signature)
}

// deliverLocal dispatches a packet to a registered destination.
// Returns false when no local destination matches.
func (t *Transport) deliverLocal(p *packet.Packet, from iface.Interface) bool {
	d, ok := t.destinations[p.DestinationHash]
	if !ok {
		return false
	}
	switch p.PacketType {
	case packet.TypeLinkRequest:
		t.acceptLink(p, d, from)
	case packet.TypeData:
		plaintext, err := d.Decrypt(p.Payload)
		if err != nil {
			countInvalid(from)
			return true
		}
		if h := d.Handler(); h != nil {
			// Handlers run off-loop so they can call back into the
			// transport without deadlocking.
			go h(plaintext, p)
		}
		if d.ProvesAll() {
			t.sendDeliveryProof(d, p, from)
		}
	}
	return true
}

// acceptLink responds to an inbound link request on a local single
// destination.
func (t *Transport) acceptLink(p *packet.Packet, d *destination.Destination, from iface.Interface) {
	cfg := t.cfg.Link
	if cfg.MTU == 0 || from.MTU() < cfg.MTU {
		cfg.MTU = from.MTU()
	}
	l, proof, err := link.Accept(p, d, t.linkOutbound, cfg)
	if err != nil {
		countInvalid(from)
		return
	}
	t.links[l.ID()] = l
	t.linkOut[l.ID()] = from
	if h := t.onLinkAccepted; h != nil {
		go h(l, d)
	}
	_ = t.sendLocal(proof, nil)
}

// sendDeliveryProof signs the delivered packet's hash and sends the
// proof back out the interface the packet arrived on.
func (t *Transport) sendDeliveryProof(d *destination.Destination, p *packet.Packet, from iface.Interface) {
	id := d.Identity()
	if id == nil || !id.HoldsPrivateKeys() {
		return
	}
	hash := p.Hash()
	signature, err := id.Sign(hash)
	if err != nil {
		return
	}
	proof := &packet.Packet{
		HeaderType:      packet.Header1,
		TransportType:   packet.TransportBroadcast,
		DestinationType: packet.DestSingle,
		PacketType:      packet.TypeProof,
		DestinationHash: p.TruncatedHash(),
		Context:         packet.ContextNone,
		Payload:         append(hash, signature...),
	}
	raw, err := proof.Pack()
	if err != nil || len(raw) > from.MTU() {
		return
	}
	for _, s := range t.interfaces {
		if s.ifc == from {
			s.enqueue(raw)
			return
		}
	}
}

func (t *Transport) linkRouteIdle() time.Duration {
	keepalive := t.cfg.Link.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = 10 * time.Second
	}
	factor := t.cfg.Link.TimeoutFactor
	if factor <= 0 {
		factor = 4
	}
	return 2 * time.Duration(factor) * keepalive
}

func countInvalid(ifc iface.Interface) {
	if sp, ok := ifc.(iface.StatsProvider); ok {
		sp.Stats().RxInvalid.Add(1)
	}
}
