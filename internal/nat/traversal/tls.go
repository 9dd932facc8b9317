package traversal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
)

// ErrPeerKeyMismatch is returned when the certificate presented over a
// stream-over-tls traversal doesn't carry the overlay public key the
// admin channel reported for this peer.
var ErrPeerKeyMismatch = errors.New("traversal: peer certificate key mismatch")

// TLSTraverser wraps TCPTraverser's simultaneous-open punch with a TLS
// handshake, verifying the peer's certificate carries the exact
// ed25519 overlay key reported by the Admin Channel rather than trusting
// a certificate authority (there is none in this setting).
type TLSTraverser struct {
	tcp *TCPTraverser
	cfg TCPConfig
}

// NewTLSTraverser builds a TLSTraverser sharing cfg with the plain TCP
// traverser it wraps.
func NewTLSTraverser(cfg TCPConfig) *TLSTraverser {
	return &TLSTraverser{tcp: NewTCPTraverser(cfg), cfg: cfg}
}

// Punch performs a simultaneous TCP open and then a TLS handshake over
// the winning connection, rejecting the peer if its certificate's public
// key doesn't match expectedPeerKey.
func (t *TLSTraverser) Punch(ctx context.Context, localPort int, remote string, localCert tls.Certificate, expectedPeerKey ed25519.PublicKey) (net.Conn, error) {
	raw, err := t.tcp.Punch(ctx, localPort, remote)
	if err != nil {
		return nil, err
	}

	tlsConf := &tls.Config{
		Certificates:       []tls.Certificate{localCert},
		InsecureSkipVerify: true, // identity is checked manually below
		MinVersion:         tls.VersionTLS13,
	}

	tlsConn := tls.Client(raw, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", remote, err)
	}

	if err := verifyPeerKey(tlsConn.ConnectionState(), expectedPeerKey); err != nil {
		tlsConn.Close()
		return nil, err
	}

	return tlsConn, nil
}

func verifyPeerKey(state tls.ConnectionState, expected ed25519.PublicKey) error {
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("%w: no peer certificate presented", ErrPeerKeyMismatch)
	}
	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("%w: certificate key is not ed25519", ErrPeerKeyMismatch)
	}
	if !pub.Equal(expected) {
		return ErrPeerKeyMismatch
	}
	return nil
}

// SelfSignedCert builds a minimal self-signed certificate bound to key,
// suitable for the TLS traversal handshake above where the certificate
// authority is irrelevant and only the embedded public key is checked.
func SelfSignedCert(cert *x509.Certificate, key ed25519.PrivateKey) (tls.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, cert, cert, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create self-signed certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
