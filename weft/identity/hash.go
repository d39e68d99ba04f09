package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

const (
	// HashLength is the length of a truncated address hash in bytes.
	// All routable identifiers on the wire are hashes of this length.
	HashLength = 16

	// NameHashLength is the length of a destination name hash in bytes.
	NameHashLength = 10
)

var ErrInvalidHashLength = errors.New("identity: invalid hash length")

// Hash is a truncated SHA-256 digest used as a network address.
type Hash [HashLength]byte

// FullHash returns the complete SHA-256 digest of the concatenated inputs.
func FullHash(data ...[]byte) []byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// TruncatedHash returns the first HashLength bytes of the SHA-256 digest
// of the concatenated inputs.
func TruncatedHash(data ...[]byte) Hash {
	var out Hash
	copy(out[:], FullHash(data...))
	return out
}

// HashFromBytes converts a byte slice to a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	if len(b) != HashLength {
		return Hash{}, ErrInvalidHashLength
	}
	var out Hash
	copy(out[:], b)
	return out, nil
}

// ParseHashHex parses a hex-encoded truncated hash.
func ParseHashHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	return HashFromBytes(b)
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}
