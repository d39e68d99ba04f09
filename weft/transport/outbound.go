package transport

import (
	"time"

	"github.com/weft-mesh/weft/weft/iface"
	"github.com/weft-mesh/weft/weft/packet"
)

// sendLocal transmits a locally originated packet. Runs on the event
// loop. Announces flood every usable interface; link traffic follows
// the interface its handshake used; everything else is unicast along
// the path table.
func (t *Transport) sendLocal(p *packet.Packet, _ iface.Interface) error {
	if p.PacketType == packet.TypeAnnounce {
		raw, err := p.Pack()
		if err != nil {
			return err
		}
		t.seen.Seen(p.Hash())
		sent := false
		for _, s := range t.interfaces {
			if !s.ifc.Online() || len(raw) > s.ifc.MTU() {
				continue
			}
			if s.enqueue(raw) {
				sent = true
			}
		}
		if !sent && len(t.interfaces) > 0 {
			return ErrQueueFull
		}
		return nil
	}

	if p.DestinationType == packet.DestLink {
		out, ok := t.linkOut[p.DestinationHash]
		if !ok {
			return ErrUnknownDestination
		}
		if !out.Online() {
			return iface.ErrUnavailable
		}
		raw, err := p.Pack()
		if err != nil {
			return err
		}
		if len(raw) > out.MTU() {
			return ErrOversize
		}
		t.seen.Seen(p.Hash())
		return t.enqueueOn(out, raw)
	}

	entry := t.table.Lookup(p.DestinationHash, time.Now())
	if entry == nil {
		return ErrUnknownDestination
	}
	if !entry.Interface.Online() {
		return iface.ErrUnavailable
	}
	out := *p
	if entry.Hops > 1 {
		out.HeaderType = packet.Header2
		out.TransportType = packet.TransportRelay
		out.TransportID = entry.NextHop
	}
	raw, err := out.Pack()
	if err != nil {
		return err
	}
	if len(raw) > entry.Interface.MTU() {
		return ErrOversize
	}
	t.seen.Seen(out.Hash())
	return t.enqueueOn(entry.Interface, raw)
}

// forward relays a packet addressed through this node toward its
// destination. The packet never goes back out the interface it arrived
// on; without a live path it is dropped silently.
func (t *Transport) forward(p *packet.Packet, from iface.Interface) {
	now := time.Now()
	entry := t.table.Lookup(p.DestinationHash, now)
	if entry == nil || entry.Interface == from || !entry.Interface.Online() {
		return
	}
	if p.Hops >= t.cfg.MaxHops {
		return
	}

	out := *p
	out.Hops = p.Hops + 1
	if entry.Hops == 1 {
		// Final hop: the destination hears this interface directly.
		out.HeaderType = packet.Header1
		out.TransportType = packet.TransportBroadcast
	} else {
		out.HeaderType = packet.Header2
		out.TransportType = packet.TransportRelay
		out.TransportID = entry.NextHop
	}
	raw, err := out.Pack()
	if err != nil || len(raw) > entry.Interface.MTU() {
		return
	}

	switch p.PacketType {
	case packet.TypeLinkRequest:
		// The handshake path is remembered so the proof and all later
		// link traffic retrace it in both directions.
		t.linkRoutes[p.TruncatedHash()] = &linkRoute{
			toInitiator: from,
			toResponder: entry.Interface,
			expiresAt:   now.Add(t.linkRouteIdle()),
		}
	case packet.TypeData:
		t.reverse[p.TruncatedHash()] = &reverseRoute{
			ifc:       from,
			expiresAt: now.Add(30 * time.Second),
		}
	}

	_ = t.enqueueOn(entry.Interface, raw)
}

func (t *Transport) enqueueOn(ifc iface.Interface, raw []byte) error {
	for _, s := range t.interfaces {
		if s.ifc == ifc {
			if !s.enqueue(raw) {
				return ErrQueueFull
			}
			return nil
		}
	}
	return iface.ErrUnavailable
}
