// Package udp provides an interface driver for local IP broadcast
// domains: every frame sent is delivered to a static set of peer
// addresses over UDP.
package udp

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/weft-mesh/weft/weft/iface"
)

// Interface is a UDP broadcast-domain interface.
type Interface struct {
	name   string
	mtu    int
	conn   *net.UDPConn
	online atomic.Bool
	stats  iface.Stats

	mu    sync.Mutex
	peers []*net.UDPAddr
	recv  func([]byte)
}

// New binds listenAddr and delivers outbound frames to each peer
// address. mtu zero selects 500; keep it under the path MTU of the
// local network to avoid IP fragmentation.
func New(name, listenAddr string, peerAddrs []string, mtu int) (*Interface, error) {
	if mtu <= 0 {
		mtu = 500
	}
	laddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	peers := make([]*net.UDPAddr, 0, len(peerAddrs))
	for _, a := range peerAddrs {
		addr, err := net.ResolveUDPAddr("udp", a)
		if err != nil {
			conn.Close()
			return nil, err
		}
		peers = append(peers, addr)
	}
	i := &Interface{name: name, mtu: mtu, conn: conn, peers: peers}
	i.online.Store(true)
	go i.readLoop()
	return i, nil
}

func (i *Interface) Name() string        { return i.name }
func (i *Interface) MTU() int            { return i.mtu }
func (i *Interface) Online() bool        { return i.online.Load() }
func (i *Interface) Stats() *iface.Stats { return &i.stats }

// LocalAddr returns the bound UDP address.
func (i *Interface) LocalAddr() net.Addr { return i.conn.LocalAddr() }

// AddPeer adds a peer address to the broadcast set.
func (i *Interface) AddPeer(addr string) error {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.peers = append(i.peers, a)
	i.mu.Unlock()
	return nil
}

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
	i.mu.Lock()
	peers := append([]*net.UDPAddr(nil), i.peers...)
	i.mu.Unlock()
	for _, peer := range peers {
		_, _ = i.conn.WriteToUDP(frame, peer)
	}
	i.stats.TxFrames.Add(1)
	i.stats.TxBytes.Add(uint64(len(frame)))
	return nil
}

// Close shuts the interface down.
func (i *Interface) Close() error {
	i.online.Store(false)
	return i.conn.Close()
}

func (i *Interface) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, _, err := i.conn.ReadFromUDP(buf)
		if err != nil {
			i.online.Store(false)
			return
		}
		if n == 0 || n > i.mtu {
			i.stats.RxInvalid.Add(1)
			continue
		}
		i.stats.RxFrames.Add(1)
		i.stats.RxBytes.Add(uint64(n))
		frame := append([]byte(nil), buf[:n]...)
		i.mu.Lock()
		recv := i.recv
		i.mu.Unlock()
		if recv != nil {
			recv(frame)
		}
	}
}
