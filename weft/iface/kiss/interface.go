package kiss

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/weft-mesh/weft/weft/iface"
)

// Interface drives a KISS-framed byte stream. The stream itself — a
// serial port, a pty, a TCP connection to a TNC — is opened and owned
// by the application; the driver only frames and unframes traffic.
type Interface struct {
	name   string
	mtu    int
	stream io.ReadWriteCloser
	online atomic.Bool
	stats  iface.Stats

	mu      sync.Mutex
	recv    func([]byte)
	writeMu sync.Mutex
}

// New starts a KISS interface over stream. mtu should match the
// medium; zero selects 500. Typical packet radio MTUs are far smaller,
// and values down to iface minimums are fine.
func New(name string, stream io.ReadWriteCloser, mtu int) *Interface {
	if mtu <= 0 {
		mtu = 500
	}
	i := &Interface{name: name, mtu: mtu, stream: stream}
	i.online.Store(true)
	go i.readLoop()
	return i
}

func (i *Interface) Name() string       { return i.name }
func (i *Interface) MTU() int           { return i.mtu }
func (i *Interface) Online() bool       { return i.online.Load() }
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
	framed := Frame(frame)
	i.writeMu.Lock()
	_, err := i.stream.Write(framed)
	i.writeMu.Unlock()
	if err != nil {
		i.online.Store(false)
		return iface.ErrUnavailable
	}
	i.stats.TxFrames.Add(1)
	i.stats.TxBytes.Add(uint64(len(frame)))
	return nil
}

// Close shuts the interface down and closes the underlying stream.
func (i *Interface) Close() error {
	i.online.Store(false)
	return i.stream.Close()
}

func (i *Interface) readLoop() {
	var framer Framer
	buf := make([]byte, 4096)
	for {
		n, err := i.stream.Read(buf)
		if n > 0 {
			for _, frame := range framer.Feed(buf[:n]) {
				if len(frame) > i.mtu {
					i.stats.RxInvalid.Add(1)
					continue
				}
				i.stats.RxFrames.Add(1)
				i.stats.RxBytes.Add(uint64(len(frame)))
				i.mu.Lock()
				recv := i.recv
				i.mu.Unlock()
				if recv != nil {
					recv(frame)
				}
			}
		}
		if err != nil {
			i.online.Store(false)
			return
		}
	}
}
