package quicconn

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"
)

// ALPN is the application protocol the tunnel negotiates.
const ALPN = "weft/1"

// tunnelTLSConfig builds the TLS setup both tunnel ends use. QUIC
// mandates TLS, but the tunnel is not the trust anchor: frames are
// sealed end to end before they enter the stream, and peer authenticity
// lives in the announce and link layers. Each endpoint therefore mints
// a throwaway in-memory certificate per process and accepts whatever
// the remote presents.
func tunnelTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "weft-tunnel"},
		// Short validity with clock-skew slack; the certificate never
		// outlives the process that minted it.
		NotBefore: now.Add(-5 * time.Minute),
		NotAfter:  now.Add(48 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, pub, priv)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
		}},
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: true,
	}, nil
}
