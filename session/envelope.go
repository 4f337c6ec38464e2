package session

import (
	"encoding/json"
	"fmt"

	"github.com/ruteri/attested-vault-client/interfaces"
)

// EnvelopeVersion is the wire version this client emits and accepts.
const EnvelopeVersion = 1

// AEAD framing sizes for ChaCha20-Poly1305.
const (
	NonceSize = 12
	TagSize   = 16
)

// Envelope is the versioned encrypted message container exchanged once a
// session exists. Byte fields travel as standard base64 strings in the JSON
// encoding. An envelope is immutable after creation.
type Envelope struct {
	Version            int    `json:"version"`
	SessionID          string `json:"session_id"`
	Ciphertext         []byte `json:"ciphertext"`
	Nonce              []byte `json:"nonce"`
	EphemeralPublicKey []byte `json:"ephemeral_public_key,omitempty"`
}

// Validate checks the structural invariants: the supported version, a
// 12-byte nonce, and a ciphertext at least as long as the AEAD tag.
func (e *Envelope) Validate() error {
	if e.Version != EnvelopeVersion {
		return fmt.Errorf("%w: unsupported envelope version %d", ErrDecryptionFailed, e.Version)
	}
	if len(e.Nonce) != NonceSize {
		return fmt.Errorf("%w: nonce is %d bytes, expected %d", ErrDecryptionFailed, len(e.Nonce), NonceSize)
	}
	if len(e.Ciphertext) < TagSize {
		return fmt.Errorf("%w: ciphertext shorter than AEAD tag", ErrDecryptionFailed)
	}
	return nil
}

// Encode serializes the envelope for publishing.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses and structurally validates a received envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrDecryptionFailed, err)
	}
	if err := envelope.Validate(); err != nil {
		return nil, err
	}
	return &envelope, nil
}

// IsEnvelope reports whether a payload parses as an envelope for the given
// session without attempting decryption. Used by response matchers.
func IsEnvelope(data []byte, sessionID interfaces.SessionID) bool {
	envelope, err := DecodeEnvelope(data)
	if err != nil {
		return false
	}
	return envelope.SessionID == sessionID.String()
}
