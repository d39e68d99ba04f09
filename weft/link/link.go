// Package link implements authenticated, encrypted sessions between two
// destinations. A link is established by an ephemeral X25519 exchange
// over the packet substrate; the responder proves its long-term
// identity by signing the handshake transcript. Session keys are
// independent per direction, giving forward secrecy: compromising a
// long-term identity key never decrypts past sessions.
package link

import (
	"context"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/weft-mesh/weft/weft/identity"
	"github.com/weft-mesh/weft/weft/packet"
)

// State is the lifecycle state of a link.
type State int

const (
	Pending State = iota
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Active:
		return "ACTIVE"
	case Closed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

var (
	ErrNotActive        = errors.New("link: not active")
	ErrClosed           = errors.New("link: closed")
	ErrHandshakeTimeout = errors.New("link: handshake timed out")
	ErrInvalidProof     = errors.New("link: proof verification failed")
	ErrTimedOut         = errors.New("link: peer silent past keepalive timeout")
	ErrPayloadTooLarge  = errors.New("link: payload exceeds link MDU")
	ErrCanceled         = errors.New("link: establishment canceled")
)

// Config carries the medium-dependent link tunables.
type Config struct {
	// EstablishTimeout bounds the handshake. Zero means 15s.
	EstablishTimeout time.Duration
	// KeepaliveInterval is the idle interval after which a keepalive is
	// sent. Scale it to the slowest interface on the path. Zero means 10s.
	KeepaliveInterval time.Duration
	// TimeoutFactor times KeepaliveInterval of total silence closes the
	// link locally. Zero means 4.
	TimeoutFactor int
	// MTU is the smallest MTU on the path, bounding packet sizes.
	// Zero means packet.DefaultMTU.
	MTU int
}

func (c Config) withDefaults() Config {
	if c.EstablishTimeout <= 0 {
		c.EstablishTimeout = 15 * time.Second
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 10 * time.Second
	}
	if c.TimeoutFactor <= 0 {
		c.TimeoutFactor = 4
	}
	if c.MTU <= 0 {
		c.MTU = packet.DefaultMTU
	}
	return c
}

// OutboundFunc injects the transmit path. The forwarding engine
// supplies it when a link is created.
type OutboundFunc func(*packet.Packet) error

// Delivery describes one delivered link payload.
type Delivery struct {
	// Sequence is the sender-assigned per-direction sequence number.
	Sequence uint64
	// OutOfOrder is set when the payload arrived behind one already
	// delivered. No resequencing is performed; consumers that care
	// about order handle it themselves.
	OutOfOrder bool
	// Context is the packet context byte the payload arrived under.
	Context byte
}

// DataHandler receives decrypted link payloads.
type DataHandler func(payload []byte, d Delivery)

// ClosedHandler is called exactly once when a link reaches CLOSED.
// reason is nil for a clean mutual close.
type ClosedHandler func(l *Link, reason error)

const (
	seqLength     = 8
	keepalivePing = 0xFF
	keepalivePong = 0xFE
	replayWindow  = 64
	linkKeyInfo   = "weft-link-keys"
)

// Link is one endpoint's half of a session. All shared state is
// guarded by the link's own mutex; the forwarding engine calls
// HandlePacket and Tick from its loop while applications call Send
// from their own goroutines.
type Link struct {
	mu sync.Mutex

	id        identity.Hash
	initiator bool
	state     State
	cfg       Config

	remoteIdentity *identity.Identity
	ephPub         [32]byte
	ephPriv        [32]byte
	peerEphPub     [32]byte

	send cipher.AEAD
	recv cipher.AEAD

	sendSeq    uint64
	recvHigh   uint64
	recvAny    bool
	recvBitmap uint64

	lastInbound  time.Time
	lastOutbound time.Time
	establishBy  time.Time
	activatedAt  time.Time

	outbound OutboundFunc
	onData   DataHandler
	onClosed ClosedHandler

	established chan struct{}
	closeReason error
}

// ID returns the link identifier, derived from the link request packet.
func (l *Link) ID() identity.Hash { return l.id }

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Initiator reports whether this endpoint initiated the link.
func (l *Link) Initiator() bool { return l.initiator }

// RemoteIdentity returns the peer's long-term identity. On the
// initiator side it is the identity the proof was verified against; on
// the responder side it is nil until higher layers identify the peer.
func (l *Link) RemoteIdentity() *identity.Identity { return l.remoteIdentity }

// MDU returns the largest payload Send accepts, derived from the
// path MTU minus header, sequence and authentication overhead.
func (l *Link) MDU() int {
	return l.cfg.MTU - (2 + identity.HashLength + 1) - seqLength - chacha20poly1305.Overhead
}

// SetDataHandler registers the payload callback.
func (l *Link) SetDataHandler(h DataHandler) {
	l.mu.Lock()
	l.onData = h
	l.mu.Unlock()
}

// SetClosedHandler registers the teardown callback.
func (l *Link) SetClosedHandler(h ClosedHandler) {
	l.mu.Lock()
	l.onClosed = h
	l.mu.Unlock()
}

// AwaitEstablished blocks until the link is ACTIVE, the handshake
// fails, or ctx is done. Canceling the context before activation
// cancels the pending handshake.
func (l *Link) AwaitEstablished(ctx context.Context) error {
	select {
	case <-l.established:
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.state == Active {
			return nil
		}
		if l.closeReason != nil {
			return l.closeReason
		}
		return ErrClosed
	case <-ctx.Done():
		l.mu.Lock()
		if l.state == Pending {
			l.closeLocked(ErrCanceled)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Send encrypts and transmits application data over an active link.
func (l *Link) Send(data []byte) error {
	return l.SendContext(packet.ContextNone, data)
}

// SendContext transmits data under a specific packet context. Resource
// transfers use this to multiplex their control and chunk messages.
func (l *Link) SendContext(contextByte byte, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Closed {
		return ErrClosed
	}
	if l.state != Active {
		return ErrNotActive
	}
	if len(data) > l.MDU() {
		return ErrPayloadTooLarge
	}
	return l.sendSealedLocked(packet.TypeData, contextByte, data)
}

// sendSealedLocked seals data under the send key and transmits it.
// Payload layout: sequence (8, big endian) || ciphertext+tag.
func (l *Link) sendSealedLocked(packetType, contextByte byte, data []byte) error {
	seq := l.sendSeq
	l.sendSeq++
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], seq)
	out := make([]byte, seqLength, seqLength+len(data)+chacha20poly1305.Overhead)
	binary.BigEndian.PutUint64(out, seq)
	out = l.send.Seal(out, nonce[:], data, l.id[:])

	p := &packet.Packet{
		HeaderType:      packet.Header1,
		TransportType:   packet.TransportBroadcast,
		DestinationType: packet.DestLink,
		PacketType:      packetType,
		DestinationHash: l.id,
		Context:         contextByte,
		Payload:         out,
	}
	l.lastOutbound = time.Now()
	return l.outbound(p)
}

// Close tears the link down gracefully. An encrypted close notice is
// sent when the link is active; CLOSED is terminal either way.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Closed {
		return nil
	}
	if l.state == Active {
		// Close payload is the link id, sealed, so the peer can tell a
		// genuine teardown from spoofed plaintext.
		_ = l.sendSealedLocked(packet.TypeData, packet.ContextLinkClose, l.id[:])
	}
	l.closeLocked(nil)
	return nil
}

// HandlePacket processes an inbound packet addressed to this link:
// session data, keepalives and close notices. Malformed or
// unauthenticated packets are dropped silently.
func (l *Link) HandlePacket(p *packet.Packet) {
	l.mu.Lock()
	if l.state != Active {
		l.mu.Unlock()
		return
	}
	switch p.Context {
	case packet.ContextKeepalive:
		// Keepalives are sealed like any other frame; a plaintext ping
		// forged from an observed link id must not reset the silence
		// clock or draw a pong.
		plaintext, _, ok := l.openLocked(p.Payload)
		if !ok {
			l.mu.Unlock()
			return
		}
		l.lastInbound = time.Now()
		if len(plaintext) == 1 && plaintext[0] == keepalivePing {
			l.sendKeepaliveLocked(keepalivePong)
		}
		l.mu.Unlock()
	case packet.ContextLinkClose:
		plaintext, _, ok := l.openLocked(p.Payload)
		if ok && len(plaintext) == identity.HashLength {
			l.closeLocked(nil)
		}
		l.mu.Unlock()
	default:
		plaintext, d, ok := l.openLocked(p.Payload)
		if !ok {
			l.mu.Unlock()
			return
		}
		l.lastInbound = time.Now()
		d.Context = p.Context
		handler := l.onData
		l.mu.Unlock()
		if handler != nil {
			handler(plaintext, d)
		}
	}
}

// openLocked authenticates and decrypts a sealed link payload, tracking
// sequence state for duplicate suppression and order flagging.
func (l *Link) openLocked(payload []byte) ([]byte, Delivery, bool) {
	if len(payload) < seqLength+chacha20poly1305.Overhead {
		return nil, Delivery{}, false
	}
	seq := binary.BigEndian.Uint64(payload[:seqLength])
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], seq)
	plaintext, err := l.recv.Open(nil, nonce[:], payload[seqLength:], l.id[:])
	if err != nil {
		return nil, Delivery{}, false
	}

	d := Delivery{Sequence: seq}
	switch {
	case !l.recvAny || seq > l.recvHigh:
		var shift uint64
		if l.recvAny {
			shift = seq - l.recvHigh
		}
		if shift >= replayWindow {
			l.recvBitmap = 0
		} else {
			l.recvBitmap <<= shift
		}
		l.recvBitmap |= 1
		l.recvHigh = seq
		l.recvAny = true
	case l.recvHigh-seq < replayWindow:
		bit := uint64(1) << (l.recvHigh - seq)
		if l.recvBitmap&bit != 0 {
			// Replayed sequence, drop.
			return nil, Delivery{}, false
		}
		l.recvBitmap |= bit
		d.OutOfOrder = true
	default:
		// Older than the replay window; delivered but flagged.
		d.OutOfOrder = true
	}
	return plaintext, d, true
}

func (l *Link) sendKeepaliveLocked(b byte) {
	_ = l.sendSealedLocked(packet.TypeData, packet.ContextKeepalive, []byte{b})
}

// Tick drives timeout-based state transitions. The forwarding engine
// calls it periodically; failure detection is purely local, no network
// round-trip is needed to notice a dead peer.
func (l *Link) Tick(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case Pending:
		if now.After(l.establishBy) {
			l.closeLocked(ErrHandshakeTimeout)
		}
	case Active:
		silence := now.Sub(l.lastInbound)
		if silence > time.Duration(l.cfg.TimeoutFactor)*l.cfg.KeepaliveInterval {
			l.closeLocked(ErrTimedOut)
			return
		}
		if now.Sub(l.lastOutbound) > l.cfg.KeepaliveInterval {
			l.sendKeepaliveLocked(keepalivePing)
		}
	}
}

// closeLocked moves the link to CLOSED. The state is terminal and the
// link id is never reissued.
func (l *Link) closeLocked(reason error) {
	if l.state == Closed {
		return
	}
	l.state = Closed
	l.closeReason = reason
	select {
	case <-l.established:
	default:
		close(l.established)
	}
	if handler := l.onClosed; handler != nil {
		go handler(l, reason)
	}
}
