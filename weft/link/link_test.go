package link

import (
	"bytes"
	"context"
	"testing"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/weft-mesh/weft/weft/destination"
	"github.com/weft-mesh/weft/weft/identity"
	"github.com/weft-mesh/weft/weft/packet"
)

// capture is a test outbound path that just records packets.
type capture struct {
	packets []*packet.Packet
}

func (c *capture) send(p *packet.Packet) error {
	c.packets = append(c.packets, p)
	return nil
}

func (c *capture) next(t *testing.T) *packet.Packet {
	t.Helper()
	if len(c.packets) == 0 {
		t.Fatalf("no packet captured")
	}
	p := c.packets[0]
	c.packets = c.packets[1:]
	return p
}

func testDestination(t *testing.T) *destination.Destination {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	d, err := destination.New(id, destination.Single, "test", "svc")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

// establish runs a full handshake between two in-process endpoints and
// returns both active halves with their capture queues drained.
func establish(t *testing.T, cfg Config) (*Link, *Link, *capture, *capture) {
	t.Helper()
	owner := testDestination(t)
	remote, _ := identity.FromPublicBytes(owner.Identity().PublicBytes())

	initOut := &capture{}
	respOut := &capture{}

	init, req, err := NewInitiator(owner.Hash(), remote, initOut.send, cfg)
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	if init.State() != Pending {
		t.Fatalf("initiator should start pending")
	}

	resp, proof, err := Accept(req, owner, respOut.send, cfg)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if resp.State() != Active {
		t.Fatalf("responder should be active after accepting")
	}
	if resp.ID() != init.ID() {
		t.Fatalf("link ids diverge")
	}

	if err := init.HandleProof(proof); err != nil {
		t.Fatalf("HandleProof: %v", err)
	}
	if init.State() != Active {
		t.Fatalf("initiator should be active after proof")
	}
	return init, resp, initOut, respOut
}

func TestHandshakeAndData(t *testing.T) {
	init, resp, initOut, _ := establish(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := init.AwaitEstablished(ctx); err != nil {
		t.Fatalf("AwaitEstablished: %v", err)
	}

	var got []byte
	resp.SetDataHandler(func(payload []byte, d Delivery) {
		if d.OutOfOrder {
			t.Errorf("first payload flagged out of order")
		}
		got = append([]byte(nil), payload...)
	})

	if err := init.Send([]byte("over the link")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp.HandlePacket(initOut.next(t))
	if !bytes.Equal(got, []byte("over the link")) {
		t.Fatalf("payload not delivered: %q", got)
	}

	// Raw link frames never contain the plaintext.
	if err := init.Send([]byte("plaintext probe")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	raw, err := initOut.next(t).Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if bytes.Contains(raw, []byte("plaintext probe")) {
		t.Fatalf("link frame leaks plaintext")
	}
}

func TestRequestPayloadIsEphemeralKey(t *testing.T) {
	owner := testDestination(t)
	remote, _ := identity.FromPublicBytes(owner.Identity().PublicBytes())

	init, req, err := NewInitiator(owner.Hash(), remote, (&capture{}).send, Config{})
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	if len(req.Payload) != RequestPayloadLength {
		t.Fatalf("request payload is %d bytes, want %d", len(req.Payload), RequestPayloadLength)
	}
	if !bytes.Equal(req.Payload, init.ephPub[:]) {
		t.Fatalf("request payload is not the ephemeral exchange key")
	}

	short := *req
	short.Payload = req.Payload[:RequestPayloadLength-1]
	if _, _, err := Accept(&short, owner, (&capture{}).send, Config{}); err != ErrInvalidProof {
		t.Fatalf("truncated request accepted: %v", err)
	}
}

func TestInvalidProofLeavesPending(t *testing.T) {
	owner := testDestination(t)
	remote, _ := identity.FromPublicBytes(owner.Identity().PublicBytes())
	initOut := &capture{}

	init, req, err := NewInitiator(owner.Hash(), remote, initOut.send, Config{})
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	_, proof, err := Accept(req, owner, (&capture{}).send, Config{})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	tampered := *proof
	tampered.Payload = append([]byte(nil), proof.Payload...)
	tampered.Payload[40] ^= 0xff
	if err := init.HandleProof(&tampered); err != ErrInvalidProof {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}
	if init.State() != Pending {
		t.Fatalf("spoofed proof tore down a pending handshake")
	}

	// The genuine proof still completes it.
	if err := init.HandleProof(proof); err != nil {
		t.Fatalf("HandleProof: %v", err)
	}
	if init.State() != Active {
		t.Fatalf("link not active after genuine proof")
	}
}

func TestProofSignedByWrongIdentity(t *testing.T) {
	owner := testDestination(t)
	imposter := testDestination(t)
	remote, _ := identity.FromPublicBytes(owner.Identity().PublicBytes())

	init, req, err := NewInitiator(owner.Hash(), remote, (&capture{}).send, Config{})
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	_, proof, err := Accept(req, imposter, (&capture{}).send, Config{})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := init.HandleProof(proof); err != ErrInvalidProof {
		t.Fatalf("proof signed by wrong identity accepted: %v", err)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	init1, _, out1, _ := establish(t, Config{})
	_, resp2, _, _ := establish(t, Config{})

	if init1.ID() == resp2.ID() {
		t.Fatalf("two handshakes produced the same link id")
	}

	delivered := false
	resp2.SetDataHandler(func([]byte, Delivery) { delivered = true })

	// A frame sealed for session 1 must not open on session 2, even if
	// readdressed to it.
	if err := init1.Send([]byte("cross session")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	stolen := out1.next(t)
	stolen.DestinationHash = resp2.ID()
	resp2.HandlePacket(stolen)
	if delivered {
		t.Fatalf("payload sealed for another session was delivered")
	}
}

func TestReplayAndReorder(t *testing.T) {
	init, resp, initOut, _ := establish(t, Config{})

	var deliveries []Delivery
	resp.SetDataHandler(func(_ []byte, d Delivery) {
		deliveries = append(deliveries, d)
	})

	for _, msg := range []string{"one", "two", "three"} {
		if err := init.Send([]byte(msg)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	p0 := initOut.next(t)
	p1 := initOut.next(t)
	p2 := initOut.next(t)

	// Deliver 0, then 2, then the late 1, then replay 2.
	resp.HandlePacket(p0)
	resp.HandlePacket(p2)
	resp.HandlePacket(p1)
	resp.HandlePacket(p2)

	if len(deliveries) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(deliveries))
	}
	if deliveries[0].OutOfOrder || deliveries[1].OutOfOrder {
		t.Fatalf("in-order payloads flagged out of order")
	}
	if !deliveries[2].OutOfOrder {
		t.Fatalf("late payload not flagged out of order")
	}
	if deliveries[2].Sequence != 1 {
		t.Fatalf("unexpected sequence %d for late payload", deliveries[2].Sequence)
	}
}

func TestPayloadBound(t *testing.T) {
	init, _, _, _ := establish(t, Config{})
	if init.MDU() <= 0 {
		t.Fatalf("nonpositive MDU %d", init.MDU())
	}
	if err := init.Send(make([]byte, init.MDU())); err != nil {
		t.Fatalf("payload at MDU rejected: %v", err)
	}
	if err := init.Send(make([]byte, init.MDU()+1)); err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestGracefulClose(t *testing.T) {
	init, resp, initOut, _ := establish(t, Config{})

	closed := make(chan error, 1)
	resp.SetClosedHandler(func(_ *Link, reason error) { closed <- reason })

	if err := init.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if init.State() != Closed {
		t.Fatalf("initiator not closed")
	}
	resp.HandlePacket(initOut.next(t))

	select {
	case reason := <-closed:
		if reason != nil {
			t.Fatalf("clean close reported reason %v", reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("closed handler never ran")
	}
	if resp.State() != Closed {
		t.Fatalf("responder not closed")
	}

	if err := init.Send([]byte("late")); err != ErrClosed {
		t.Fatalf("send on closed link: expected ErrClosed, got %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	owner := testDestination(t)
	remote, _ := identity.FromPublicBytes(owner.Identity().PublicBytes())
	cfg := Config{EstablishTimeout: 10 * time.Millisecond}

	init, _, err := NewInitiator(owner.Hash(), remote, (&capture{}).send, cfg)
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	init.Tick(time.Now().Add(time.Second))
	if init.State() != Closed {
		t.Fatalf("pending link survived its establish deadline")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := init.AwaitEstablished(ctx); err != ErrHandshakeTimeout {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
}

func TestKeepaliveAndSilenceTimeout(t *testing.T) {
	cfg := Config{KeepaliveInterval: time.Second, TimeoutFactor: 4}
	init, resp, initOut, respOut := establish(t, cfg)

	// Idle past the keepalive interval: a sealed ping goes out.
	init.Tick(time.Now().Add(2 * time.Second))
	ping := initOut.next(t)
	if ping.Context != packet.ContextKeepalive {
		t.Fatalf("unexpected keepalive packet: %+v", ping)
	}
	if len(ping.Payload) != seqLength+1+chacha20poly1305.Overhead {
		t.Fatalf("keepalive not sealed: %d byte payload", len(ping.Payload))
	}

	// The peer answers with a pong, refreshing both ends.
	resp.HandlePacket(ping)
	pong := respOut.next(t)
	if pong.Context != packet.ContextKeepalive {
		t.Fatalf("expected pong, got %+v", pong)
	}
	init.HandlePacket(pong)
	if init.State() != Active || resp.State() != Active {
		t.Fatalf("keepalive exchange should keep the link active")
	}

	// Total silence past the timeout factor closes the link locally.
	init.Tick(time.Now().Add(10 * time.Second))
	if init.State() != Closed {
		t.Fatalf("silent link not closed")
	}
}

func TestForgedKeepaliveIgnored(t *testing.T) {
	cfg := Config{KeepaliveInterval: time.Second, TimeoutFactor: 4}
	_, resp, _, respOut := establish(t, cfg)

	// An observer who has seen the link id on the wire can craft this;
	// it must neither draw a pong nor reset the silence clock.
	forged := &packet.Packet{
		HeaderType:      packet.Header1,
		TransportType:   packet.TransportBroadcast,
		DestinationType: packet.DestLink,
		PacketType:      packet.TypeData,
		DestinationHash: resp.ID(),
		Context:         packet.ContextKeepalive,
		Payload:         []byte{keepalivePing},
	}
	resp.HandlePacket(forged)
	if len(respOut.packets) != 0 {
		t.Fatalf("forged keepalive drew a response")
	}

	resp.HandlePacket(forged)
	resp.Tick(time.Now().Add(10 * time.Second))
	if resp.State() != Closed {
		t.Fatalf("forged keepalives suppressed the silence timeout")
	}
}

func TestAwaitEstablishedCancel(t *testing.T) {
	owner := testDestination(t)
	remote, _ := identity.FromPublicBytes(owner.Identity().PublicBytes())
	init, _, err := NewInitiator(owner.Hash(), remote, (&capture{}).send, Config{})
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := init.AwaitEstablished(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if init.State() != Closed {
		t.Fatalf("canceled handshake should close the link")
	}
}
