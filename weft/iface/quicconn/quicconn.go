// Package quicconn provides a point-to-point tunnel interface carrying
// weft frames over a QUIC stream between two IP-reachable nodes. It
// fills the same niche wide-area IP tunnels do in comparable stacks:
// stitching mesh segments together across the internet.
package quicconn

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/weft-mesh/weft/weft/iface"
)

// Interface is one end of a QUIC tunnel. Frames are length-prefixed on
// a single bidirectional stream.
type Interface struct {
	name   string
	mtu    int
	conn   quic.Connection
	stream quic.Stream
	online atomic.Bool
	stats  iface.Stats

	mu      sync.Mutex
	recv    func([]byte)
	writeMu sync.Mutex
}

// Dial connects to a listening tunnel endpoint. mtu zero selects 500.
func Dial(ctx context.Context, name, addr string, mtu int) (*Interface, error) {
	tlsConf, err := tunnelTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{})
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream open failed")
		return nil, err
	}
	return newInterface(name, conn, stream, mtu), nil
}

// Listener accepts inbound tunnel connections.
type Listener struct {
	inner *quic.Listener
}

// Listen binds a tunnel listener on addr.
func Listen(addr string) (*Listener, error) {
	tlsConf, err := tunnelTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{})
	if err != nil {
		return nil, err
	}
	return &Listener{inner: ln}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

// Close stops accepting connections.
func (l *Listener) Close() error { return l.inner.Close() }

// Accept waits for one inbound tunnel and wraps it as an interface.
func (l *Listener) Accept(ctx context.Context, name string, mtu int) (*Interface, error) {
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream accept failed")
		return nil, err
	}
	return newInterface(name, conn, stream, mtu), nil
}

func newInterface(name string, conn quic.Connection, stream quic.Stream, mtu int) *Interface {
	if mtu <= 0 {
		mtu = 500
	}
	i := &Interface{name: name, mtu: mtu, conn: conn, stream: stream}
	i.online.Store(true)
	go i.readLoop()
	return i
}

func (i *Interface) Name() string        { return i.name }
func (i *Interface) MTU() int            { return i.mtu }
func (i *Interface) Online() bool        { return i.online.Load() }
func (i *Interface) Stats() *iface.Stats { return &i.stats }

func (i *Interface) Attach(recv func(frame []byte)) {
	i.mu.Lock()
	i.recv = recv
	i.mu.Unlock()
}

func (i *Interface) Send(frame []byte) error {
	if !i.online.Load() {
		return iface.ErrUnavailable
	}
	if len(frame) > i.mtu {
		return iface.ErrFrameTooLarge
	}
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(frame)))
	i.writeMu.Lock()
	_, err := i.stream.Write(prefix[:])
	if err == nil {
		_, err = i.stream.Write(frame)
	}
	i.writeMu.Unlock()
	if err != nil {
		i.online.Store(false)
		return iface.ErrUnavailable
	}
	i.stats.TxFrames.Add(1)
	i.stats.TxBytes.Add(uint64(len(frame)))
	return nil
}

// Close tears the tunnel down.
func (i *Interface) Close() error {
	i.online.Store(false)
	return i.conn.CloseWithError(0, "closed")
}

func (i *Interface) readLoop() {
	var prefix [2]byte
	for {
		if _, err := io.ReadFull(i.stream, prefix[:]); err != nil {
			i.online.Store(false)
			return
		}
		size := int(binary.BigEndian.Uint16(prefix[:]))
		if size == 0 || size > i.mtu {
			i.stats.RxInvalid.Add(1)
			i.online.Store(false)
			return
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(i.stream, frame); err != nil {
			i.online.Store(false)
			return
		}
		i.stats.RxFrames.Add(1)
		i.stats.RxBytes.Add(uint64(size))
		i.mu.Lock()
		recv := i.recv
		i.mu.Unlock()
		if recv != nil {
			recv(frame)
		}
	}
}
