// Package destination implements addressable endpoints. A destination's
// hash is the only identifier that ever crosses the network; it is a
// pure function of the application name, the aspects and (for single
// mode) the owning identity's public keys.
package destination

import (
	"crypto/rand"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/weft-mesh/weft/weft/announce"
	"github.com/weft-mesh/weft/weft/identity"
	"github.com/weft-mesh/weft/weft/packet"
)

// Mode selects the addressing and encryption policy of a destination.
type Mode byte

const (
	// Single addresses exactly one identity; full hybrid encryption.
	Single Mode = packet.DestSingle
	// Group addresses a symmetric-key group.
	Group Mode = packet.DestGroup
	// Plain is unencrypted, for discovery and broadcast use.
	Plain Mode = packet.DestPlain
)

var (
	ErrInvalidName   = errors.New("destination: dots cannot be used in app names or aspects")
	ErrWrongMode     = errors.New("destination: operation not valid for this mode")
	ErrNoIdentity    = errors.New("destination: no identity attached")
	ErrNoGroupKey    = errors.New("destination: no group key loaded")
	ErrDecryptFailed = errors.New("destination: decryption failed")
)

// Handler receives packets delivered to a registered destination.
// payload is the decrypted application data; p is the decoded packet.
type Handler func(payload []byte, p *packet.Packet)

// Destination is an addressable endpoint.
type Destination struct {
	identity *identity.Identity
	mode     Mode
	name     string
	nameHash []byte
	hash     identity.Hash

	groupKey []byte

	// Applications set these from their own goroutines while the
	// forwarding loop reads them on delivery.
	mu       sync.Mutex
	handler  Handler
	proveAll bool
}

// New creates a destination. id is required for Single mode and must be
// nil for Plain; Group destinations take their key via CreateGroupKey
// or LoadGroupKey. App name and aspects must not contain dots.
func New(id *identity.Identity, mode Mode, appName string, aspects ...string) (*Destination, error) {
	if strings.Contains(appName, ".") {
		return nil, ErrInvalidName
	}
	name := appName
	for _, aspect := range aspects {
		if strings.Contains(aspect, ".") {
			return nil, ErrInvalidName
		}
		name += "." + aspect
	}
	d := &Destination{mode: mode, name: name}
	d.nameHash = identity.FullHash([]byte(name))[:identity.NameHashLength]
	switch mode {
	case Single:
		if id == nil {
			return nil, ErrNoIdentity
		}
		d.identity = id
		idHash := id.Hash()
		d.hash = identity.TruncatedHash(d.nameHash, idHash[:])
	case Group, Plain:
		if id != nil {
			return nil, ErrWrongMode
		}
		d.hash = identity.TruncatedHash(d.nameHash)
	default:
		return nil, ErrWrongMode
	}
	return d, nil
}

// Name returns the full dotted destination name.
func (d *Destination) Name() string { return d.name }

// Hash returns the routable address hash.
func (d *Destination) Hash() identity.Hash { return d.hash }

// NameHash returns the truncated hash of the destination name.
func (d *Destination) NameHash() []byte { return append([]byte(nil), d.nameHash...) }

// Mode returns the addressing mode.
func (d *Destination) Mode() Mode { return d.mode }

// Identity returns the attached identity, or nil.
func (d *Destination) Identity() *identity.Identity { return d.identity }

// SetHandler registers the callback invoked when a packet addressed to
// this destination is delivered locally.
func (d *Destination) SetHandler(h Handler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// Handler returns the registered callback, or nil.
func (d *Destination) Handler() Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler
}

// SetProveAll makes the transport answer every delivered data packet
// with a signed delivery proof. Only meaningful for single-mode
// destinations holding private keys.
func (d *Destination) SetProveAll(prove bool) {
	d.mu.Lock()
	d.proveAll = prove
	d.mu.Unlock()
}

// ProvesAll reports whether delivery proofs are enabled.
func (d *Destination) ProvesAll() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.proveAll
}

// CreateGroupKey generates a fresh symmetric key for a group
// destination and returns it for distribution out of band.
func (d *Destination) CreateGroupKey() ([]byte, error) {
	if d.mode != Group {
		return nil, ErrWrongMode
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	d.groupKey = key
	return append([]byte(nil), key...), nil
}

// LoadGroupKey installs a previously distributed group key.
func (d *Destination) LoadGroupKey(key []byte) error {
	if d.mode != Group {
		return ErrWrongMode
	}
	if len(key) != chacha20poly1305.KeySize {
		return ErrNoGroupKey
	}
	d.groupKey = append([]byte(nil), key...)
	return nil
}

// Encrypt applies the destination's encryption policy to plaintext.
// Single mode encrypts toward the identity, group mode seals with the
// group key, plain mode passes data through unchanged.
func (d *Destination) Encrypt(plaintext []byte) ([]byte, error) {
	switch d.mode {
	case Single:
		return d.identity.Encrypt(plaintext, d.hash[:])
	case Group:
		if d.groupKey == nil {
			return nil, ErrNoGroupKey
		}
		aead, err := chacha20poly1305.New(d.groupKey)
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, chacha20poly1305.NonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
		out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
		out = append(out, nonce...)
		return aead.Seal(out, nonce, plaintext, d.hash[:]), nil
	case Plain:
		return plaintext, nil
	}
	return nil, ErrWrongMode
}

// Decrypt reverses Encrypt. Single mode requires the private identity.
// Failures report ErrDecryptFailed without distinguishing wrong keys
// from corrupted ciphertext.
func (d *Destination) Decrypt(ciphertext []byte) ([]byte, error) {
	switch d.mode {
	case Single:
		if d.identity == nil || !d.identity.HoldsPrivateKeys() {
			return nil, ErrNoIdentity
		}
		plaintext, err := d.identity.Decrypt(ciphertext, d.hash[:])
		if err != nil {
			return nil, ErrDecryptFailed
		}
		return plaintext, nil
	case Group:
		if d.groupKey == nil {
			return nil, ErrNoGroupKey
		}
		if len(ciphertext) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
			return nil, ErrDecryptFailed
		}
		aead, err := chacha20poly1305.New(d.groupKey)
		if err != nil {
			return nil, err
		}
		nonce := ciphertext[:chacha20poly1305.NonceSize]
		plaintext, err := aead.Open(nil, nonce, ciphertext[chacha20poly1305.NonceSize:], d.hash[:])
		if err != nil {
			return nil, ErrDecryptFailed
		}
		return plaintext, nil
	case Plain:
		return ciphertext, nil
	}
	return nil, ErrWrongMode
}

// Announce builds a signed announce packet for this destination, rooted
// at hop count zero. Only single-mode destinations with private keys
// can announce.
func (d *Destination) Announce(appData []byte) (*packet.Packet, error) {
	if d.mode != Single {
		return nil, ErrWrongMode
	}
	if d.identity == nil || !d.identity.HoldsPrivateKeys() {
		return nil, ErrNoIdentity
	}
	payload, err := announce.Build(d.hash, d.identity, d.nameHash, appData)
	if err != nil {
		return nil, err
	}
	return &packet.Packet{
		HeaderType:      packet.Header1,
		TransportType:   packet.TransportBroadcast,
		DestinationType: packet.DestSingle,
		PacketType:      packet.TypeAnnounce,
		DestinationHash: d.hash,
		Context:         packet.ContextNone,
		Payload:         payload,
	}, nil
}
