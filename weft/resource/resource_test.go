package resource

import (
	"bytes"
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/weft-mesh/weft/weft/destination"
	"github.com/weft-mesh/weft/weft/identity"
	"github.com/weft-mesh/weft/weft/link"
	"github.com/weft-mesh/weft/weft/packet"
)

// pipe shuttles packets between two in-process link halves on its own
// goroutines, optionally dropping frames chosen by the filter.
type pipe struct {
	aToB chan *packet.Packet
	bToA chan *packet.Packet
	stop chan struct{}

	mu   sync.Mutex
	drop func(p *packet.Packet) bool
}

func (pp *pipe) setDrop(f func(p *packet.Packet) bool) {
	pp.mu.Lock()
	pp.drop = f
	pp.mu.Unlock()
}

func (pp *pipe) dropped(p *packet.Packet) bool {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return pp.drop != nil && pp.drop(p)
}

func linkPair(t *testing.T) (*link.Link, *link.Link, *pipe) {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	owner, err := destination.New(id, destination.Single, "test", "bulk")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	remote, err := identity.FromPublicBytes(id.PublicBytes())
	if err != nil {
		t.Fatalf("FromPublicBytes: %v", err)
	}

	pp := &pipe{
		aToB: make(chan *packet.Packet, 1024),
		bToA: make(chan *packet.Packet, 1024),
		stop: make(chan struct{}),
	}
	t.Cleanup(func() { close(pp.stop) })

	init, req, err := link.NewInitiator(owner.Hash(), remote,
		func(p *packet.Packet) error { pp.aToB <- p; return nil }, link.Config{})
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	resp, proof, err := link.Accept(req, owner,
		func(p *packet.Packet) error { pp.bToA <- p; return nil }, link.Config{})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := init.HandleProof(proof); err != nil {
		t.Fatalf("HandleProof: %v", err)
	}

	go func() {
		for {
			select {
			case p := <-pp.aToB:
				if !pp.dropped(p) {
					resp.HandlePacket(p)
				}
			case <-pp.stop:
				return
			}
		}
	}()
	go func() {
		for {
			select {
			case p := <-pp.bToA:
				if !pp.dropped(p) {
					init.HandlePacket(p)
				}
			case <-pp.stop:
				return
			}
		}
	}()
	return init, resp, pp
}

func testTransferConfig() Config {
	return Config{RetryInterval: 50 * time.Millisecond, Timeout: 10 * time.Second}
}

func runTransfer(t *testing.T, sender, receiver *Endpoint, payload []byte) {
	t.Helper()
	got := make(chan []byte, 1)
	receiver.SetResourceHandler(func(data []byte) { got <- data })

	tr, err := sender.Send(payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tr.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	select {
	case data := <-got:
		if !bytes.Equal(data, payload) {
			t.Fatalf("payload corrupted: %d bytes, want %d", len(data), len(payload))
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("resource never delivered")
	}
}

func TestTransferSingleChunk(t *testing.T) {
	init, resp, _ := linkPair(t)
	sender := Attach(init, testTransferConfig())
	receiver := Attach(resp, testTransferConfig())
	runTransfer(t, sender, receiver, []byte("fits in one chunk"))
}

func TestTransferMultiChunk(t *testing.T) {
	init, resp, _ := linkPair(t)
	sender := Attach(init, testTransferConfig())
	receiver := Attach(resp, testTransferConfig())

	// Random data defeats compression, forcing the multi-chunk path on
	// the raw payload.
	payload := make([]byte, 10*init.MDU())
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}
	runTransfer(t, sender, receiver, payload)
}

func TestTransferCompressible(t *testing.T) {
	init, resp, _ := linkPair(t)
	sender := Attach(init, testTransferConfig())
	receiver := Attach(resp, testTransferConfig())
	payload := bytes.Repeat([]byte("highly repetitive content "), 2000)
	runTransfer(t, sender, receiver, payload)
}

func TestTransferSurvivesLossWithParity(t *testing.T) {
	init, resp, pp := linkPair(t)
	cfg := testTransferConfig()
	cfg.Parity = 3
	sender := Attach(init, cfg)
	receiver := Attach(resp, testTransferConfig())

	// Drop three chunk frames; parity must cover them without any
	// retransmission round-trip.
	var mu sync.Mutex
	dropped := 0
	pp.setDrop(func(p *packet.Packet) bool {
		if p.Context != packet.ContextResource {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if dropped < 3 {
			dropped++
			return true
		}
		return false
	})

	payload := make([]byte, 20*init.MDU())
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}
	runTransfer(t, sender, receiver, payload)
}

func TestTransferRetriesWithoutParity(t *testing.T) {
	init, resp, pp := linkPair(t)
	sender := Attach(init, testTransferConfig())
	receiver := Attach(resp, testTransferConfig())

	// Drop the first two chunk frames once; the receiver's stall timer
	// must request them again.
	var mu sync.Mutex
	dropped := 0
	pp.setDrop(func(p *packet.Packet) bool {
		if p.Context != packet.ContextResource {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if dropped < 2 {
			dropped++
			return true
		}
		return false
	})

	payload := make([]byte, 8*init.MDU())
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}
	runTransfer(t, sender, receiver, payload)
}

func TestAppTrafficPassesThrough(t *testing.T) {
	init, resp, _ := linkPair(t)
	Attach(init, testTransferConfig())
	receiver := Attach(resp, testTransferConfig())

	got := make(chan []byte, 1)
	receiver.SetAppHandler(func(payload []byte, _ link.Delivery) {
		got <- append([]byte(nil), payload...)
	})

	if err := init.Send([]byte("ordinary link data")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case data := <-got:
		if !bytes.Equal(data, []byte("ordinary link data")) {
			t.Fatalf("app payload mangled: %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("app payload never delivered")
	}
}

func TestTooLargeRejected(t *testing.T) {
	init, resp, _ := linkPair(t)
	sender := Attach(init, testTransferConfig())
	Attach(resp, testTransferConfig())

	// Incompressible data past the shard limit cannot be advertised.
	payload := make([]byte, 300*init.MDU())
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if _, err := sender.Send(payload); err != ErrTooLarge {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestSendOnInactiveLink(t *testing.T) {
	init, resp, _ := linkPair(t)
	sender := Attach(init, testTransferConfig())
	Attach(resp, testTransferConfig())

	if err := init.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := sender.Send([]byte("late")); err != ErrLinkNotActive {
		t.Fatalf("expected ErrLinkNotActive, got %v", err)
	}
}
