package network

import (
	"bytes"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"microauction/internal/crypto"
	"microauction/internal/node"
)

const alpn = "auction-rpc/1"

// Both sides present a self-signed certificate over their RPC key. Chains are
// never checked against a CA; the leaf key is the identity.

func serverTLSConfig(id node.Identity) (*tls.Config, error) {
	cert, err := crypto.SelfSignedCert(id.Private)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
		ClientAuth:   tls.RequireAnyClientCert,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := crypto.PeerKeyFromCerts(rawCerts)
			return err
		},
	}, nil
}

// clientTLSConfig pins the server's key when want is set; a nil want accepts
// any well-formed self-signed peer.
func clientTLSConfig(id node.Identity, want ed25519.PublicKey) (*tls.Config, error) {
	cert, err := crypto.SelfSignedCert(id.Private)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			got, err := crypto.PeerKeyFromCerts(rawCerts)
			if err != nil {
				return err
			}
			if want != nil && !bytes.Equal(got, want) {
				return fmt.Errorf("peer key mismatch: want %s got %s", crypto.PublicKeyHex(want), crypto.PublicKeyHex(got))
			}
			return nil
		},
	}, nil
}

func peerKeyFromState(state tls.ConnectionState) ed25519.PublicKey {
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil
	}
	return pub
}
