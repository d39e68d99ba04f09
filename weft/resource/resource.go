// Package resource implements bulk payload transfer over an active
// link. Payloads larger than a link's MDU are compressed when that
// wins, split into MDU-sized chunks, optionally protected with
// Reed-Solomon parity so a transfer survives chunk loss on lossy media
// without a retransmission round-trip, and verified against the
// advertised content hash on reassembly.
package resource

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/weft-mesh/weft/weft/identity"
	"github.com/weft-mesh/weft/weft/link"
	"github.com/weft-mesh/weft/weft/packet"
)

var (
	ErrTooLarge       = errors.New("resource: payload too large for link MDU and shard limit")
	ErrHashMismatch   = errors.New("resource: reassembled data does not match advertised hash")
	ErrTransferFailed = errors.New("resource: transfer failed")
	ErrLinkNotActive  = errors.New("resource: link not active")
)

const (
	// maxShards bounds data+parity shards per transfer; indices are a
	// single byte on the wire.
	maxShards = 255

	flagCompressed = 0x01

	advLength    = identity.HashLength + 4 + 1 + 1 + 1 + 32
	chunkHeader  = identity.HashLength + 1
	proofLength  = identity.HashLength + 32
	requestFixed = identity.HashLength
)

// Config carries transfer tunables.
type Config struct {
	// Parity is the number of Reed-Solomon parity shards added to each
	// transfer. Zero disables erasure coding; lossy media should carry
	// a few shards of headroom.
	Parity int
	// RetryInterval is how long a receiver waits on a stalled transfer
	// before requesting missing shards. Zero means 3s.
	RetryInterval time.Duration
	// Timeout abandons a transfer with no progress. Zero means 60s.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Parity < 0 {
		c.Parity = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 3 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Handler receives completed inbound resources.
type Handler func(data []byte)

// Endpoint multiplexes resource transfers onto one link. It takes over
// the link's data handler; application traffic on other contexts is
// passed through to the handler registered with SetAppHandler.
type Endpoint struct {
	l   *link.Link
	cfg Config

	mu         sync.Mutex
	incoming   map[identity.Hash]*incomingResource
	outgoing   map[identity.Hash]*outgoingResource
	onResource Handler
	onApp      link.DataHandler
}

// Attach wires an endpoint onto a link.
func Attach(l *link.Link, cfg Config) *Endpoint {
	e := &Endpoint{
		l:        l,
		cfg:      cfg.withDefaults(),
		incoming: make(map[identity.Hash]*incomingResource),
		outgoing: make(map[identity.Hash]*outgoingResource),
	}
	l.SetDataHandler(e.handle)
	return e
}

// SetResourceHandler registers the completed-resource callback.
func (e *Endpoint) SetResourceHandler(h Handler) {
	e.mu.Lock()
	e.onResource = h
	e.mu.Unlock()
}

// SetAppHandler registers the pass-through for non-resource link data.
func (e *Endpoint) SetAppHandler(h link.DataHandler) {
	e.mu.Lock()
	e.onApp = h
	e.mu.Unlock()
}

// Transfer tracks one outbound resource until the peer confirms
// reassembly.
type Transfer struct {
	ID identity.Hash

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// Wait blocks until the peer proves reassembly, the transfer times
// out, or ctx is done.
func (t *Transfer) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transfer) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return
	default:
	}
	t.err = err
	close(t.done)
}

// Send advertises and transmits data over the endpoint's link.
func (e *Endpoint) Send(data []byte) (*Transfer, error) {
	if e.l.State() != link.Active {
		return nil, ErrLinkNotActive
	}

	payload := data
	flags := byte(0)
	if compressed, ok := compress(data); ok {
		payload = compressed
		flags |= flagCompressed
	}

	chunkSize := e.l.MDU() - chunkHeader
	shards, err := split(payload, chunkSize, e.cfg.Parity)
	if err != nil {
		return nil, err
	}

	contentHash := identity.FullHash(data)
	var id identity.Hash
	copy(id[:], contentHash)

	out := &outgoingResource{
		id:          id,
		shards:      shards,
		contentHash: contentHash,
		transfer:    &Transfer{ID: id, done: make(chan struct{})},
	}
	e.mu.Lock()
	e.outgoing[id] = out
	e.mu.Unlock()

	adv := make([]byte, 0, advLength)
	adv = append(adv, id[:]...)
	adv = binary.BigEndian.AppendUint32(adv, uint32(len(payload)))
	adv = append(adv, byte(len(shards)-e.cfg.Parity), byte(e.cfg.Parity), flags)
	adv = append(adv, contentHash...)
	if err := e.l.SendContext(packet.ContextResourceAdv, adv); err != nil {
		e.drop(id)
		return nil, err
	}

	go e.sendShards(out, nil)
	time.AfterFunc(e.cfg.Timeout, func() {
		out.transfer.finish(ErrTransferFailed)
		e.drop(id)
	})
	return out.transfer, nil
}

func (e *Endpoint) sendShards(out *outgoingResource, indices []byte) {
	send := func(idx int) {
		if idx >= len(out.shards) {
			return
		}
		msg := make([]byte, 0, chunkHeader+len(out.shards[idx]))
		msg = append(msg, out.id[:]...)
		msg = append(msg, byte(idx))
		msg = append(msg, out.shards[idx]...)
		_ = e.l.SendContext(packet.ContextResource, msg)
	}
	if indices == nil {
		for idx := range out.shards {
			send(idx)
		}
		return
	}
	for _, idx := range indices {
		send(int(idx))
	}
}

func (e *Endpoint) drop(id identity.Hash) {
	e.mu.Lock()
	delete(e.outgoing, id)
	e.mu.Unlock()
}

// handle is the link data handler: resource contexts are consumed,
// everything else passes through.
func (e *Endpoint) handle(payload []byte, d link.Delivery) {
	switch d.Context {
	case packet.ContextResourceAdv:
		e.handleAdv(payload)
	case packet.ContextResource:
		e.handleChunk(payload)
	case packet.ContextResourceReq:
		e.handleRequest(payload)
	case packet.ContextResourcePrf:
		e.handleProof(payload)
	default:
		e.mu.Lock()
		h := e.onApp
		e.mu.Unlock()
		if h != nil {
			h(payload, d)
		}
	}
}

func (e *Endpoint) handleAdv(payload []byte) {
	if len(payload) != advLength {
		return
	}
	var id identity.Hash
	copy(id[:], payload[:identity.HashLength])
	rest := payload[identity.HashLength:]
	size := binary.BigEndian.Uint32(rest[:4])
	dataShards := int(rest[4])
	parity := int(rest[5])
	flags := rest[6]
	contentHash := append([]byte(nil), rest[7:]...)
	if dataShards == 0 || dataShards+parity > maxShards {
		return
	}

	e.mu.Lock()
	if _, exists := e.incoming[id]; exists {
		e.mu.Unlock()
		return
	}
	in := &incomingResource{
		id:          id,
		size:        int(size),
		dataShards:  dataShards,
		parity:      parity,
		compressed:  flags&flagCompressed != 0,
		contentHash: contentHash,
		shards:      make([][]byte, dataShards+parity),
	}
	e.incoming[id] = in
	e.mu.Unlock()

	in.retry = time.AfterFunc(e.cfg.RetryInterval, func() { e.requestMissing(id) })
	time.AfterFunc(e.cfg.Timeout, func() { e.abandon(id) })
}

func (e *Endpoint) handleChunk(payload []byte) {
	if len(payload) < chunkHeader {
		return
	}
	var id identity.Hash
	copy(id[:], payload[:identity.HashLength])
	idx := int(payload[identity.HashLength])
	data := append([]byte(nil), payload[chunkHeader:]...)

	e.mu.Lock()
	in, ok := e.incoming[id]
	if !ok || in.delivered || idx >= len(in.shards) || in.shards[idx] != nil {
		e.mu.Unlock()
		return
	}
	in.shards[idx] = data
	in.have++
	complete := in.have >= in.dataShards
	if in.retry != nil {
		in.retry.Reset(e.cfg.RetryInterval)
	}
	e.mu.Unlock()

	if complete {
		e.complete(id)
	}
}

func (e *Endpoint) complete(id identity.Hash) {
	e.mu.Lock()
	in, ok := e.incoming[id]
	if !ok || in.delivered {
		e.mu.Unlock()
		return
	}
	in.delivered = true
	handler := e.onResource
	e.mu.Unlock()

	data, err := in.reassemble()
	if err != nil {
		e.abandon(id)
		return
	}

	proof := make([]byte, 0, proofLength)
	proof = append(proof, id[:]...)
	proof = append(proof, in.contentHash...)
	_ = e.l.SendContext(packet.ContextResourcePrf, proof)

	e.abandon(id)
	if handler != nil {
		handler(data)
	}
}

func (e *Endpoint) requestMissing(id identity.Hash) {
	e.mu.Lock()
	in, ok := e.incoming[id]
	if !ok || in.delivered {
		e.mu.Unlock()
		return
	}
	var missing []byte
	for idx, shard := range in.shards {
		if shard == nil {
			missing = append(missing, byte(idx))
		}
	}
	if in.retry != nil {
		in.retry.Reset(e.cfg.RetryInterval)
	}
	e.mu.Unlock()

	if len(missing) == 0 {
		return
	}
	req := make([]byte, 0, requestFixed+len(missing))
	req = append(req, id[:]...)
	req = append(req, missing...)
	_ = e.l.SendContext(packet.ContextResourceReq, req)
}

func (e *Endpoint) handleRequest(payload []byte) {
	if len(payload) <= requestFixed {
		return
	}
	var id identity.Hash
	copy(id[:], payload[:identity.HashLength])
	e.mu.Lock()
	out, ok := e.outgoing[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.sendShards(out, payload[requestFixed:])
}

func (e *Endpoint) handleProof(payload []byte) {
	if len(payload) != proofLength {
		return
	}
	var id identity.Hash
	copy(id[:], payload[:identity.HashLength])
	e.mu.Lock()
	out, ok := e.outgoing[id]
	delete(e.outgoing, id)
	e.mu.Unlock()
	if !ok {
		return
	}
	if !bytes.Equal(payload[requestFixed:], out.contentHash) {
		out.transfer.finish(ErrTransferFailed)
		return
	}
	out.transfer.finish(nil)
}

func (e *Endpoint) abandon(id identity.Hash) {
	e.mu.Lock()
	if in, ok := e.incoming[id]; ok && in.retry != nil {
		in.retry.Stop()
	}
	delete(e.incoming, id)
	e.mu.Unlock()
}
