// Package interfaces defines the core interfaces and types shared by the
// vault session client components. It provides the contract between the
// crypto, transport, and provisioning layers without implementation details.
package interfaces

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// OwnerID is the namespace token that scopes every subject exchanged with a
// vault. It appears as the first token of all subjects and must itself be a
// single token (no dots, no wildcards).
type OwnerID string

var ownerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// NewOwnerID creates an owner identifier with validation.
func NewOwnerID(s string) (OwnerID, error) {
	if !ownerIDRegex.MatchString(s) {
		return OwnerID(""), fmt.Errorf("invalid owner id %q: must be a single subject token", s)
	}
	return OwnerID(s), nil
}

// String returns the owner id as a string.
func (o OwnerID) String() string {
	return string(o)
}

// Validate checks if the owner id is a legal subject token.
func (o OwnerID) Validate() error {
	_, err := NewOwnerID(string(o))
	return err
}

// DeviceID identifies the app installation requesting a session. It is
// carried verbatim in bootstrap requests and is opaque to this client.
type DeviceID string

// String returns the device id as a string.
func (d DeviceID) String() string {
	return string(d)
}

// SessionID is the vault-assigned opaque identifier of an encrypted session.
// It survives key rotation and changes only on re-bootstrap.
type SessionID string

// String returns the session id as a string.
func (s SessionID) String() string {
	return string(s)
}

// Subject is a concrete dot-separated subject string, e.g.
// "owner1.forVault.bootstrapSession".
type Subject string

// String returns the subject as a string.
func (s Subject) String() string {
	return string(s)
}

// Tokens splits the subject into its dot-separated tokens. An empty subject
// has zero tokens.
func (s Subject) Tokens() []string {
	if s == "" {
		return nil
	}
	return strings.Split(string(s), ".")
}

// SubjectPattern is a subject pattern that may contain the single-token
// wildcard "*" and the trailing multi-token wildcard ">".
type SubjectPattern string

// String returns the pattern as a string.
func (p SubjectPattern) String() string {
	return string(p)
}

// Tokens splits the pattern into its dot-separated tokens. An empty pattern
// has zero tokens.
func (p SubjectPattern) Tokens() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), ".")
}

// ExchangePublicKey is a 32-byte X25519 public key used during session
// bootstrap and rotation.
type ExchangePublicKey []byte

// ExchangePublicKeySize is the exact length of an X25519 public key.
const ExchangePublicKeySize = 32

// ErrInvalidPublicKey is returned when peer key material is malformed or has
// the wrong length.
var ErrInvalidPublicKey = errors.New("invalid public key")

// NewExchangePublicKey creates an exchange public key from raw bytes with
// length validation.
func NewExchangePublicKey(data []byte) (ExchangePublicKey, error) {
	if len(data) != ExchangePublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, ExchangePublicKeySize, len(data))
	}
	key := make(ExchangePublicKey, ExchangePublicKeySize)
	copy(key, data)
	return key, nil
}

// Validate checks if the key has the correct length.
func (k ExchangePublicKey) Validate() error {
	_, err := NewExchangePublicKey(k)
	return err
}

// Bytes returns the raw 32-byte key.
func (k ExchangePublicKey) Bytes() []byte {
	return k
}

// Equal compares two exchange public keys.
func (k ExchangePublicKey) Equal(other ExchangePublicKey) bool {
	return bytes.Equal(k, other)
}

// SessionKey is a 32-byte symmetric AEAD key derived during bootstrap.
type SessionKey []byte

// SessionKeySize is the exact length of a derived session key.
const SessionKeySize = 32

// NewSessionKey creates a session key from raw bytes with length validation.
func NewSessionKey(data []byte) (SessionKey, error) {
	if len(data) != SessionKeySize {
		return nil, fmt.Errorf("invalid session key: expected %d bytes, got %d", SessionKeySize, len(data))
	}
	key := make(SessionKey, SessionKeySize)
	copy(key, data)
	return key, nil
}

// Validate checks if the key has the correct length.
func (k SessionKey) Validate() error {
	_, err := NewSessionKey(k)
	return err
}

// Wipe overwrites the key material in place.
func (k SessionKey) Wipe() {
	for i := range k {
		k[i] = 0
	}
}

// AttestedPublicKey is an uncompressed P-256 point (65 bytes) extracted from
// a verified attestation document. It is the recipient key for the one-shot
// encryption scheme used before a session exists.
type AttestedPublicKey []byte

// AttestedPublicKeySize is the length of an uncompressed P-256 point.
const AttestedPublicKeySize = 65

// NewAttestedPublicKey creates an attested public key from raw bytes with
// point validation.
func NewAttestedPublicKey(data []byte) (AttestedPublicKey, error) {
	key := AttestedPublicKey(data)
	if err := key.Validate(); err != nil {
		return nil, err
	}
	out := make(AttestedPublicKey, len(data))
	copy(out, data)
	return out, nil
}

// Validate checks that the key is a valid uncompressed P-256 point.
func (k AttestedPublicKey) Validate() error {
	_, err := k.ECDSA()
	return err
}

// ECDSA returns the parsed P-256 public key.
func (k AttestedPublicKey) ECDSA() (*ecdsa.PublicKey, error) {
	if len(k) != AttestedPublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, AttestedPublicKeySize, len(k))
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), k)
	if x == nil {
		return nil, fmt.Errorf("%w: not a point on P-256", ErrInvalidPublicKey)
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// Equal compares two attested public keys byte for byte.
func (k AttestedPublicKey) Equal(other AttestedPublicKey) bool {
	return bytes.Equal(k, other)
}

// Measurements holds expected or observed platform measurement registers,
// keyed by register index with hex-encoded values. For TDX quotes index 0 is
// MRTD and 1-4 are the RTMRs; for nitro-style documents the indexes are the
// PCR numbers.
type Measurements map[int]string

// Verify checks that every register this set names is present in actual with
// an equal value. Registers present in actual but not named here are
// ignored, so a policy may pin a subset of registers.
func (expected Measurements) Verify(actual Measurements) error {
	for register, want := range expected {
		got, ok := actual[register]
		if !ok {
			return fmt.Errorf("measurement register %d missing", register)
		}
		if !strings.EqualFold(want, got) {
			return fmt.Errorf("measurement register %d mismatch: expected %s, got %s", register, want, got)
		}
	}
	return nil
}

// MeasurementsFromHex builds a measurement set from raw register values.
func MeasurementsFromHex(values map[int][]byte) Measurements {
	m := make(Measurements, len(values))
	for register, value := range values {
		m[register] = hex.EncodeToString(value)
	}
	return m
}
