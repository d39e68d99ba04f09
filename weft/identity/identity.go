package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// PublicKeyLength is the length of an Identity's serialized public
	// key material: X25519 public key followed by Ed25519 public key.
	PublicKeyLength = 32 + ed25519.PublicKeySize

	// SignatureLength is the length of an Ed25519 signature.
	SignatureLength = ed25519.SignatureSize

	encInfo = "weft-identity-enc"
)

var (
	ErrNoPrivateKey     = errors.New("identity: no private key held")
	ErrDecryptionFailed = errors.New("identity: decryption failed")
	ErrInvalidKeyData   = errors.New("identity: invalid key material")
)

// Identity is a keypair set establishing who a destination's owner is.
// It holds an X25519 keypair for key agreement and an Ed25519 keypair
// for signing. An Identity either carries private keys (usable for
// decryption and signing) or is public-only (usable for encryption
// toward the peer and signature verification).
type Identity struct {
	enc      x25519KeyPair
	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey
	private  bool
	hash     Hash
}

// Generate creates a new Identity with fresh private keys.
func Generate() (*Identity, error) {
	enc, err := generateX25519()
	if err != nil {
		return nil, err
	}
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	id := &Identity{
		enc:      enc,
		signPub:  signPub,
		signPriv: signPriv,
		private:  true,
	}
	id.hash = TruncatedHash(id.PublicBytes())
	return id, nil
}

// FromPublicKeys builds a public-only Identity from an X25519 public key
// and an Ed25519 public key.
func FromPublicKeys(encPub, signPub []byte) (*Identity, error) {
	if len(encPub) != 32 || len(signPub) != ed25519.PublicKeySize {
		return nil, ErrInvalidKeyData
	}
	id := &Identity{signPub: append(ed25519.PublicKey(nil), signPub...)}
	copy(id.enc.PublicKey[:], encPub)
	id.hash = TruncatedHash(id.PublicBytes())
	return id, nil
}

// FromPublicBytes builds a public-only Identity from serialized public
// key material as produced by PublicBytes.
func FromPublicBytes(b []byte) (*Identity, error) {
	if len(b) != PublicKeyLength {
		return nil, ErrInvalidKeyData
	}
	return FromPublicKeys(b[:32], b[32:])
}

// FromPrivateBytes restores a full Identity from serialized private key
// material as produced by PrivateBytes. Key persistence is owned by the
// application; this package never touches storage on its own.
func FromPrivateBytes(b []byte) (*Identity, error) {
	if len(b) != 32+ed25519.SeedSize {
		return nil, ErrInvalidKeyData
	}
	id := &Identity{private: true}
	copy(id.enc.PrivateKey[:], b[:32])
	id.enc.PrivateKey[0] &= 248
	id.enc.PrivateKey[31] &= 127
	id.enc.PrivateKey[31] |= 64
	scalarBase(&id.enc.PublicKey, &id.enc.PrivateKey)
	id.signPriv = ed25519.NewKeyFromSeed(b[32:])
	id.signPub = id.signPriv.Public().(ed25519.PublicKey)
	id.hash = TruncatedHash(id.PublicBytes())
	return id, nil
}

// PublicBytes returns the serialized public key material:
// X25519 public key followed by Ed25519 public key.
func (id *Identity) PublicBytes() []byte {
	out := make([]byte, 0, PublicKeyLength)
	out = append(out, id.enc.PublicKey[:]...)
	out = append(out, id.signPub...)
	return out
}

// PrivateBytes returns the serialized private key material:
// X25519 private key followed by the Ed25519 seed.
func (id *Identity) PrivateBytes() ([]byte, error) {
	if !id.private {
		return nil, ErrNoPrivateKey
	}
	out := make([]byte, 0, 32+ed25519.SeedSize)
	out = append(out, id.enc.PrivateKey[:]...)
	out = append(out, id.signPriv.Seed()...)
	return out, nil
}

// Hash returns the truncated hash identifying this Identity. It is
// deterministic from the public keys alone.
func (id *Identity) Hash() Hash { return id.hash }

// HoldsPrivateKeys reports whether this Identity can decrypt and sign.
func (id *Identity) HoldsPrivateKeys() bool { return id.private }

// EncryptionPublicKey returns the X25519 public key.
func (id *Identity) EncryptionPublicKey() [32]byte { return id.enc.PublicKey }

// SigningPublicKey returns the Ed25519 public key.
func (id *Identity) SigningPublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), id.signPub...)
}

// Encrypt encrypts plaintext toward this Identity using an ephemeral
// X25519 exchange and ChaCha20-Poly1305. Output layout:
//
//	ephemeral public key (32) || nonce (12) || ciphertext+tag
//
// salt binds the ciphertext to a context (typically the destination
// hash) and must match on decryption.
func (id *Identity) Encrypt(plaintext, salt []byte) ([]byte, error) {
	eph, err := generateX25519()
	if err != nil {
		return nil, err
	}
	shared, err := ecdh(eph.PrivateKey, id.enc.PublicKey)
	if err != nil {
		return nil, err
	}
	key, err := DeriveKey(shared, salt, []byte(encInfo), chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 32+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, eph.PublicKey[:]...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Decrypt reverses Encrypt. It requires private keys and fails closed:
// a wrong key, a truncated buffer and a corrupted ciphertext all return
// ErrDecryptionFailed with no partial plaintext.
func (id *Identity) Decrypt(ciphertext, salt []byte) ([]byte, error) {
	if !id.private {
		return nil, ErrNoPrivateKey
	}
	if len(ciphertext) < 32+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, ErrDecryptionFailed
	}
	var ephPub [32]byte
	copy(ephPub[:], ciphertext[:32])
	shared, err := ecdh(id.enc.PrivateKey, ephPub)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	key, err := DeriveKey(shared, salt, []byte(encInfo), chacha20poly1305.KeySize)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	nonce := ciphertext[32 : 32+chacha20poly1305.NonceSize]
	plaintext, err := aead.Open(nil, nonce, ciphertext[32+chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Sign signs data with the Identity's Ed25519 private key.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	if !id.private {
		return nil, ErrNoPrivateKey
	}
	return ed25519.Sign(id.signPriv, data), nil
}

// Verify checks an Ed25519 signature against this Identity's signing key.
func (id *Identity) Verify(data, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(id.signPub, data, signature)
}
