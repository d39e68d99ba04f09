// Package packet implements the wire format shared by every weft node.
//
// The frame layout is fixed and byte-stable, sized for media with MTUs
// down to a few tens of bytes:
//
//	byte 0      flags: [7:6] header type, [5:4] transport type,
//	            [3:2] destination type, [1:0] packet type
//	byte 1      hop count
//	header 1    bytes 2..17: destination hash (16)
//	header 2    bytes 2..17: transport id (16), bytes 18..33: destination hash (16)
//	next byte   context
//	rest        payload
//
// Header type 2 is only used while a packet is being relayed by a
// transport node; the transport id names the next hop.
package packet

import (
	"errors"

	"github.com/weft-mesh/weft/weft/identity"
)

// Packet types.
const (
	TypeData        = 0x00
	TypeAnnounce    = 0x01
	TypeLinkRequest = 0x02
	TypeProof       = 0x03
)

// Header types.
const (
	Header1 = 0x00 // destination hash only
	Header2 = 0x01 // transport id + destination hash
)

// Transport types.
const (
	TransportBroadcast = 0x00
	TransportRelay     = 0x01
)

// Destination types.
const (
	DestSingle = 0x00
	DestGroup  = 0x01
	DestPlain  = 0x02
	DestLink   = 0x03
)

// Context bytes. Link traffic and resource transfers ride DATA and
// PROOF packets distinguished by context, keeping the type field two
// bits wide.
const (
	ContextNone        = 0x00
	ContextResource    = 0x01
	ContextResourceAdv = 0x02
	ContextResourceReq = 0x03
	ContextResourcePrf = 0x05
	ContextKeepalive   = 0xFC
	ContextLinkClose   = 0xFD
	ContextLinkProof   = 0xFF
)

const (
	// DefaultMTU is the reference maximum frame size. Interfaces may
	// declare smaller values; oversized packets are rejected at the
	// source, never fragmented.
	DefaultMTU = 500

	// MinMTU is the smallest interface MTU the stack accepts.
	MinMTU = 60

	// MaxHops is the forwarding TTL.
	MaxHops = 128

	header1Size = 2 + identity.HashLength + 1
	header2Size = 2 + 2*identity.HashLength + 1
)

var (
	ErrMalformed = errors.New("packet: malformed")
	ErrOversize  = errors.New("packet: exceeds MTU")
)

// Packet is a single decoded datagram.
type Packet struct {
	HeaderType      byte
	TransportType   byte
	DestinationType byte
	PacketType      byte
	Hops            uint8
	TransportID     identity.Hash // next hop, header type 2 only
	DestinationHash identity.Hash
	Context         byte
	Payload         []byte
}

// Pack encodes the packet to wire bytes.
func (p *Packet) Pack() ([]byte, error) {
	if p.HeaderType > Header2 || p.TransportType > TransportRelay ||
		p.DestinationType > DestLink || p.PacketType > TypeProof {
		return nil, ErrMalformed
	}
	size := header1Size
	if p.HeaderType == Header2 {
		size = header2Size
	}
	out := make([]byte, 0, size+len(p.Payload))
	flags := p.HeaderType<<6 | p.TransportType<<4 | p.DestinationType<<2 | p.PacketType
	out = append(out, flags, p.Hops)
	if p.HeaderType == Header2 {
		out = append(out, p.TransportID[:]...)
	}
	out = append(out, p.DestinationHash[:]...)
	out = append(out, p.Context)
	out = append(out, p.Payload...)
	return out, nil
}

// Unpack decodes wire bytes into a Packet. It fails with ErrMalformed
// on truncated input; it performs no cryptographic checks.
func Unpack(raw []byte) (*Packet, error) {
	if len(raw) < header1Size {
		return nil, ErrMalformed
	}
	p := &Packet{
		HeaderType:      raw[0] >> 6,
		TransportType:   raw[0] >> 4 & 0x03,
		DestinationType: raw[0] >> 2 & 0x03,
		PacketType:      raw[0] & 0x03,
		Hops:            raw[1],
	}
	rest := raw[2:]
	if p.HeaderType == Header2 {
		if len(raw) < header2Size {
			return nil, ErrMalformed
		}
		copy(p.TransportID[:], rest[:identity.HashLength])
		rest = rest[identity.HashLength:]
	} else if p.HeaderType != Header1 {
		return nil, ErrMalformed
	}
	copy(p.DestinationHash[:], rest[:identity.HashLength])
	rest = rest[identity.HashLength:]
	p.Context = rest[0]
	p.Payload = append([]byte(nil), rest[1:]...)
	return p, nil
}

// Hash returns the packet's full content hash, used for transport-wide
// deduplication. Hop count, header type and transport type are all
// rewritten in flight, so only relay-invariant fields are hashed: a
// forwarded copy hashes identically to the original.
func (p *Packet) Hash() []byte {
	flags := p.DestinationType<<2 | p.PacketType
	return identity.FullHash(
		[]byte{flags},
		p.DestinationHash[:],
		[]byte{p.Context},
		p.Payload,
	)
}

// TruncatedHash returns the truncated content hash. Link IDs are derived
// from the truncated hash of the link request packet.
func (p *Packet) TruncatedHash() identity.Hash {
	full := p.Hash()
	var out identity.Hash
	copy(out[:], full)
	return out
}
