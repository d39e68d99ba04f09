// Package announce implements the proof-carrying reachability mechanism:
// the announce payload format, the per-node path table, and the
// suppression state that keeps controlled flooding bounded.
package announce

import (
	"crypto/rand"
	"errors"

	"github.com/weft-mesh/weft/weft/identity"
)

const (
	// RandomBlobLength is the length of the freshness blob carried by
	// every announce. Duplicate (destination, blob) pairs are dropped
	// within the dedup window.
	RandomBlobLength = 10

	// PayloadMinLength is the length of an announce payload with empty
	// application data.
	PayloadMinLength = identity.PublicKeyLength + identity.NameHashLength +
		RandomBlobLength + identity.SignatureLength
)

var (
	ErrMalformed    = errors.New("announce: malformed payload")
	ErrInvalidProof = errors.New("announce: signature verification failed")
)

// Announce is a decoded, signed reachability assertion. The hop count
// lives in the packet header, not here: relays increment the header and
// leave the payload untouched so the origin signature stays verifiable
// at every hop.
type Announce struct {
	DestinationHash identity.Hash
	Identity        *identity.Identity // public-only
	NameHash        []byte
	RandomBlob      []byte
	AppData         []byte
	Signature       []byte
}

// Build constructs and signs an announce payload for a destination
// owned by id. Layout:
//
//	encryption pub (32) || signing pub (32) || name hash (10) ||
//	random blob (10) || signature (64) || app data
func Build(destination identity.Hash, id *identity.Identity, nameHash, appData []byte) ([]byte, error) {
	if len(nameHash) != identity.NameHashLength {
		return nil, ErrMalformed
	}
	blob := make([]byte, RandomBlobLength)
	if _, err := rand.Read(blob); err != nil {
		return nil, err
	}
	pub := id.PublicBytes()
	signature, err := id.Sign(signedData(destination, pub, nameHash, blob, appData))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, PayloadMinLength+len(appData))
	out = append(out, pub...)
	out = append(out, nameHash...)
	out = append(out, blob...)
	out = append(out, signature...)
	out = append(out, appData...)
	return out, nil
}

// Parse decodes an announce payload addressed to destination and
// verifies its signature against the claimed identity. Invalid
// signatures return ErrInvalidProof.
func Parse(destination identity.Hash, payload []byte) (*Announce, error) {
	if len(payload) < PayloadMinLength {
		return nil, ErrMalformed
	}
	pub := payload[:identity.PublicKeyLength]
	rest := payload[identity.PublicKeyLength:]
	nameHash := rest[:identity.NameHashLength]
	rest = rest[identity.NameHashLength:]
	blob := rest[:RandomBlobLength]
	rest = rest[RandomBlobLength:]
	signature := rest[:identity.SignatureLength]
	appData := rest[identity.SignatureLength:]

	id, err := identity.FromPublicBytes(pub)
	if err != nil {
		return nil, ErrMalformed
	}
	if !id.Verify(signedData(destination, pub, nameHash, blob, appData), signature) {
		return nil, ErrInvalidProof
	}
	return &Announce{
		DestinationHash: destination,
		Identity:        id,
		NameHash:        append([]byte(nil), nameHash...),
		RandomBlob:      append([]byte(nil), blob...),
		AppData:         append([]byte(nil), appData...),
		Signature:       append([]byte(nil), signature...),
	}, nil
}

func signedData(destination identity.Hash, pub, nameHash, blob, appData []byte) []byte {
	out := make([]byte, 0, identity.HashLength+len(pub)+len(nameHash)+len(blob)+len(appData))
	out = append(out, destination[:]...)
	out = append(out, pub...)
	out = append(out, nameHash...)
	out = append(out, blob...)
	out = append(out, appData...)
	return out
}
