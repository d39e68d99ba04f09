package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var ErrInvalidPublicKey = errors.New("identity: invalid X25519 public key")

// x25519KeyPair is an X25519 keypair used for key agreement.
type x25519KeyPair struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
}

// generateX25519 generates a new X25519 keypair.
func generateX25519() (x25519KeyPair, error) {
	var kp x25519KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.PrivateKey[:]); err != nil {
		return x25519KeyPair{}, err
	}
	// Clamp private key per RFC 7748
	kp.PrivateKey[0] &= 248
	kp.PrivateKey[31] &= 127
	kp.PrivateKey[31] |= 64

	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return kp, nil
}

func scalarBase(dst, in *[32]byte) {
	curve25519.ScalarBaseMult(dst, in)
}

// ecdh computes the X25519 shared secret between a private and a peer
// public key. The raw output must be passed through a KDF before use.
func ecdh(privateKey, peerPublicKey [32]byte) ([]byte, error) {
	var zero [32]byte
	if peerPublicKey == zero {
		return nil, ErrInvalidPublicKey
	}
	shared, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		return nil, err
	}
	return shared, nil
}

// GenerateExchangeKeys generates an ephemeral X25519 keypair for link
// establishment.
func GenerateExchangeKeys() (pub, priv [32]byte, err error) {
	kp, err := generateX25519()
	if err != nil {
		return pub, priv, err
	}
	return kp.PublicKey, kp.PrivateKey, nil
}

// Exchange computes the X25519 shared secret between an ephemeral
// private key and a peer's ephemeral public key.
func Exchange(priv, peerPub [32]byte) ([]byte, error) {
	return ecdh(priv, peerPub)
}

// DeriveKey derives a key of the requested length from a shared secret
// using HKDF-SHA256. salt may be nil; info binds the key to a context.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}
