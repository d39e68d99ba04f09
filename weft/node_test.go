package weft

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/weft-mesh/weft/weft/destination"
	"github.com/weft-mesh/weft/weft/identity"
	"github.com/weft-mesh/weft/weft/iface/mem"
	"github.com/weft-mesh/weft/weft/link"
	"github.com/weft-mesh/weft/weft/packet"
	"github.com/weft-mesh/weft/weft/transport"
)

func nodePair(t *testing.T) (*Node, *Node) {
	t.Helper()
	cfg := transport.Config{SweepInterval: 20 * time.Millisecond}
	a, err := NewNode(nil, cfg)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	t.Cleanup(a.Close)
	b, err := NewNode(nil, cfg)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	t.Cleanup(b.Close)

	ab, ba := mem.Pair("a", "b", 0)
	a.Attach(ab)
	b.Attach(ba)
	return a, b
}

func waitForPath(t *testing.T, n *Node, dest identity.Hash) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := n.Transport().HasPath(dest); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no path to %s", dest)
}

func TestNodeLink(t *testing.T) {
	a, b := nodePair(t)

	d, err := b.Register(destination.Single, "nodetest", "svc")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	b.Transport().SetLinkAcceptedHandler(func(l *link.Link, _ *destination.Destination) {
		l.SetDataHandler(func(payload []byte, _ link.Delivery) {
			_ = l.Send(payload)
		})
	})
	if err := b.Announce(d.Hash(), []byte("svc v1")); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	waitForPath(t, a, d.Hash())

	if data, ok := a.Transport().Known().RecallAppData(d.Hash()); !ok || !bytes.Equal(data, []byte("svc v1")) {
		t.Fatalf("announce app data not recalled: %q", data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := a.Connect(ctx, d.Hash())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var mu sync.Mutex
	var echoed []byte
	l.SetDataHandler(func(payload []byte, _ link.Delivery) {
		mu.Lock()
		echoed = append([]byte(nil), payload...)
		mu.Unlock()
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = l.Send([]byte("mirror"))
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		ok := bytes.Equal(echoed, []byte("mirror"))
		mu.Unlock()
		if ok {
			return
		}
	}
	t.Fatalf("echo never arrived")
}

func TestNodeDatagram(t *testing.T) {
	a, b := nodePair(t)

	d, err := b.Register(destination.Single, "nodetest", "inbox")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	d.SetProveAll(true)

	var mu sync.Mutex
	var got []byte
	d.SetHandler(func(payload []byte, _ *packet.Packet) {
		mu.Lock()
		got = append([]byte(nil), payload...)
		mu.Unlock()
	})

	if err := b.Announce(d.Hash(), nil); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	waitForPath(t, a, d.Hash())

	receipt, err := a.SendDatagram(d.Hash(), []byte("one shot"), 5*time.Second)
	if err != nil {
		t.Fatalf("SendDatagram: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := receipt.Wait(ctx); err != nil {
		t.Fatalf("receipt: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(got, []byte("one shot")) {
		t.Fatalf("datagram not delivered: %q", got)
	}
}

func TestNodeAnnounceUnregistered(t *testing.T) {
	a, _ := nodePair(t)
	if err := a.Announce(identity.TruncatedHash([]byte("nope")), nil); err != ErrUnknownDestination {
		t.Fatalf("expected ErrUnknownDestination, got %v", err)
	}
}
