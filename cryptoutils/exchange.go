package cryptoutils

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/ruteri/attested-vault-client/interfaces"
)

// Fixed, protocol-versioned HKDF constants. Both ends must use byte
// identical values or the derived session keys will not match.
const (
	sessionKDFSalt = "attested-vault-session-salt-v1"
	sessionKDFInfo = "attested-vault-session-key-v1"
)

// ExchangeKeyPair is a single-use X25519 keypair generated for one bootstrap
// or rotation attempt. The private half never leaves the process; callers
// must Destroy the pair as soon as the shared secret has been derived.
type ExchangeKeyPair struct {
	PublicKey interfaces.ExchangePublicKey

	privateKey []byte
}

// GenerateExchangeKeyPair creates a fresh X25519 keypair from the system
// random source.
func GenerateExchangeKeyPair() (*ExchangeKeyPair, error) {
	privateKey := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, privateKey); err != nil {
		return nil, fmt.Errorf("failed to generate exchange key: %w", err)
	}

	publicKey, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive exchange public key: %w", err)
	}

	return &ExchangeKeyPair{
		PublicKey:  interfaces.ExchangePublicKey(publicKey),
		privateKey: privateKey,
	}, nil
}

// SharedSecret computes the X25519 shared secret with a peer's public key.
// Peer keys of the wrong length and low-order points that would yield an
// all-zero secret are rejected with ErrInvalidPublicKey.
func (kp *ExchangeKeyPair) SharedSecret(peer interfaces.ExchangePublicKey) ([]byte, error) {
	if err := peer.Validate(); err != nil {
		return nil, err
	}

	secret, err := curve25519.X25519(kp.privateKey, peer.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidPublicKey, err)
	}
	return secret, nil
}

// Destroy wipes the private key material in place.
func (kp *ExchangeKeyPair) Destroy() {
	for i := range kp.privateKey {
		kp.privateKey[i] = 0
	}
}

// DeriveSessionKey expands a bootstrap shared secret into the 32-byte
// session key using HKDF-SHA256 with the protocol's fixed salt and info
// strings.
func DeriveSessionKey(sharedSecret []byte) (interfaces.SessionKey, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("empty shared secret")
	}

	reader := hkdf.New(sha256.New, sharedSecret, []byte(sessionKDFSalt), []byte(sessionKDFInfo))
	key := make([]byte, interfaces.SessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}

	return interfaces.SessionKey(key), nil
}
