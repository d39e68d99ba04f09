package quicconn

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/weft-mesh/weft/weft/iface"
)

func tunnelPair(t *testing.T) (*Interface, *Interface) {
	t.Helper()
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type accepted struct {
		ifc *Interface
		err error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		ifc, err := ln.Accept(ctx, "tunnel-server", 0)
		acceptCh <- accepted{ifc, err}
	}()

	client, err := Dial(ctx, "tunnel-client", ln.Addr().String(), 0)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	// The server side only sees the stream once bytes flow on it; prod
	// it with a frame the test then discards.
	if err := client.Send([]byte("open")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	res := <-acceptCh
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}
	t.Cleanup(func() { res.ifc.Close() })
	return client, res.ifc
}

func TestTunnelRoundTrip(t *testing.T) {
	client, server := tunnelPair(t)

	var mu sync.Mutex
	var fromClient, fromServer []byte
	server.Attach(func(frame []byte) {
		mu.Lock()
		fromClient = append([]byte(nil), frame...)
		mu.Unlock()
	})
	client.Attach(func(frame []byte) {
		mu.Lock()
		fromServer = append([]byte(nil), frame...)
		mu.Unlock()
	})

	if err := client.Send([]byte("to server")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := server.Send([]byte("to client")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := bytes.Equal(fromClient, []byte("to server")) &&
			bytes.Equal(fromServer, []byte("to client"))
		mu.Unlock()
		if ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("frames never crossed the tunnel")
}

func TestTunnelFrameBound(t *testing.T) {
	client, _ := tunnelPair(t)
	if err := client.Send(make([]byte, client.MTU()+1)); err != iface.ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
