package link

import (
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/weft-mesh/weft/weft/destination"
	"github.com/weft-mesh/weft/weft/identity"
	"github.com/weft-mesh/weft/weft/packet"
)

const (
	// RequestPayloadLength is the link request payload: the initiator's
	// ephemeral X25519 public key. The key randomizes the request hash,
	// so every link id is unique, and it enters the signed transcript.
	RequestPayloadLength = 32

	// ProofPayloadLength is the link proof payload: the responder's
	// ephemeral X25519 public key and its long-term signature over the
	// transcript.
	ProofPayloadLength = 32 + identity.SignatureLength
)

// NewInitiator creates the initiating half of a link toward a remote
// single destination and returns the LINKREQUEST packet to transmit.
// remote must be the destination owner's identity, learned from a
// prior announce; without it the responder's proof cannot be verified.
func NewInitiator(destHash identity.Hash, remote *identity.Identity, outbound OutboundFunc, cfg Config) (*Link, *packet.Packet, error) {
	cfg = cfg.withDefaults()
	ephPub, ephPriv, err := identity.GenerateExchangeKeys()
	if err != nil {
		return nil, nil, err
	}

	payload := append([]byte(nil), ephPub[:]...)

	req := &packet.Packet{
		HeaderType:      packet.Header1,
		TransportType:   packet.TransportBroadcast,
		DestinationType: packet.DestSingle,
		PacketType:      packet.TypeLinkRequest,
		DestinationHash: destHash,
		Context:         packet.ContextNone,
		Payload:         payload,
	}

	now := time.Now()
	l := &Link{
		id:             req.TruncatedHash(),
		initiator:      true,
		state:          Pending,
		cfg:            cfg,
		remoteIdentity: remote,
		ephPub:         ephPub,
		ephPriv:        ephPriv,
		outbound:       outbound,
		establishBy:    now.Add(cfg.EstablishTimeout),
		established:    make(chan struct{}),
	}
	return l, req, nil
}

// Accept creates the responding half of a link from a received
// LINKREQUEST addressed to owner, and returns the LINKPROOF packet to
// transmit. The proof is signed with owner's long-term identity over
// both ephemeral public keys, so an intermediary cannot substitute its
// own key material without detection.
func Accept(req *packet.Packet, owner *destination.Destination, outbound OutboundFunc, cfg Config) (*Link, *packet.Packet, error) {
	cfg = cfg.withDefaults()
	if len(req.Payload) != RequestPayloadLength {
		return nil, nil, ErrInvalidProof
	}
	ownerIdentity := owner.Identity()
	if ownerIdentity == nil || !ownerIdentity.HoldsPrivateKeys() {
		return nil, nil, destination.ErrNoIdentity
	}

	var peerEphPub [32]byte
	copy(peerEphPub[:], req.Payload[:32])

	ephPub, ephPriv, err := identity.GenerateExchangeKeys()
	if err != nil {
		return nil, nil, err
	}

	linkID := req.TruncatedHash()
	signature, err := ownerIdentity.Sign(transcript(linkID, peerEphPub, ephPub))
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	l := &Link{
		id:          linkID,
		state:       Pending,
		cfg:         cfg,
		ephPub:      ephPub,
		ephPriv:     ephPriv,
		peerEphPub:  peerEphPub,
		outbound:    outbound,
		established: make(chan struct{}),
	}
	if err := l.deriveKeys(); err != nil {
		return nil, nil, err
	}

	payload := make([]byte, 0, ProofPayloadLength)
	payload = append(payload, ephPub[:]...)
	payload = append(payload, signature...)

	proof := &packet.Packet{
		HeaderType:      packet.Header1,
		TransportType:   packet.TransportBroadcast,
		DestinationType: packet.DestLink,
		PacketType:      packet.TypeProof,
		DestinationHash: linkID,
		Context:         packet.ContextLinkProof,
		Payload:         payload,
	}

	l.state = Active
	l.activatedAt = now
	l.lastInbound = now
	l.lastOutbound = now
	close(l.established)
	return l, proof, nil
}

// HandleProof completes the handshake on the initiator side. The proof
// signature is checked against the responder's long-term identity
// before any key material is derived; a failed check leaves the link
// pending so a spoofed proof cannot tear down a handshake in flight.
func (l *Link) HandleProof(p *packet.Packet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Pending || !l.initiator {
		return ErrNotActive
	}
	if len(p.Payload) != ProofPayloadLength {
		return ErrInvalidProof
	}
	var peerEphPub [32]byte
	copy(peerEphPub[:], p.Payload[:32])
	signature := p.Payload[32:]

	if !l.remoteIdentity.Verify(transcript(l.id, l.ephPub, peerEphPub), signature) {
		return ErrInvalidProof
	}

	l.peerEphPub = peerEphPub
	if err := l.deriveKeys(); err != nil {
		return err
	}
	now := time.Now()
	l.state = Active
	l.activatedAt = now
	l.lastInbound = now
	l.lastOutbound = now
	close(l.established)
	return nil
}

// deriveKeys computes the directional session keys. The shared secret
// is expanded to 64 bytes: the first half keys the initiator-to-
// responder direction, the second half the reverse.
func (l *Link) deriveKeys() error {
	shared, err := identity.Exchange(l.ephPriv, l.peerEphPub)
	if err != nil {
		return err
	}
	material, err := identity.DeriveKey(shared, l.id[:], []byte(linkKeyInfo), 2*chacha20poly1305.KeySize)
	if err != nil {
		return err
	}
	forward, backward := material[:chacha20poly1305.KeySize], material[chacha20poly1305.KeySize:]
	sendKey, recvKey := forward, backward
	if !l.initiator {
		sendKey, recvKey = backward, forward
	}
	if l.send, err = chacha20poly1305.New(sendKey); err != nil {
		return err
	}
	if l.recv, err = chacha20poly1305.New(recvKey); err != nil {
		return err
	}
	return nil
}

// transcript is the byte string the responder signs: the link id and
// both ephemeral public keys, initiator first.
func transcript(linkID identity.Hash, initiatorEph, responderEph [32]byte) []byte {
	out := make([]byte, 0, identity.HashLength+64)
	out = append(out, linkID[:]...)
	out = append(out, initiatorEph[:]...)
	out = append(out, responderEph[:]...)
	return out
}
