package cryptoutils

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ruteri/attested-vault-client/interfaces"
)

// Attestation type identifiers carried in attestation responses. The vault
// names the document format it emits and the client picks the matching
// verifier from its registry.
const (
	NitroAttestation = "aws-nitro"
	DCAPAttestation  = "qemu-tdx"
	DummyAttestation = "dummy"
)

// VerifierRegistry maps attestation type strings to the verifier that
// understands that document format. The provisioning handshake consults it
// once per enrollment; an unknown type fails closed like any other
// verification error.
type VerifierRegistry struct {
	verifiers map[string]interfaces.AttestationVerifier
}

// NewVerifierRegistry builds a registry from the given verifiers, keyed by
// their AttestationType.
func NewVerifierRegistry(verifiers ...interfaces.AttestationVerifier) *VerifierRegistry {
	registry := &VerifierRegistry{verifiers: make(map[string]interfaces.AttestationVerifier, len(verifiers))}
	for _, verifier := range verifiers {
		registry.verifiers[verifier.AttestationType()] = verifier
	}
	return registry
}

// VerifierFor returns the verifier registered for an attestation type.
func (r *VerifierRegistry) VerifierFor(attestationType string) (interfaces.AttestationVerifier, error) {
	verifier, ok := r.verifiers[attestationType]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported attestation type %q", interfaces.ErrAttestationFailed, attestationType)
	}
	return verifier, nil
}

// DummyDocument is the deterministic attestation document used by tests and
// the in-process fake vault. It carries the same fields the real formats
// bind so that every failure path is exercisable without TEE hardware.
type DummyDocument struct {
	AttestationType string         `json:"attestation_type"`
	Measurements    map[int]string `json:"measurements"`
	Nonce           []byte         `json:"nonce"`
	PublicKey       []byte         `json:"public_key"`
}

// IssueDummyDocument produces a dummy attestation document binding the given
// measurements, nonce, and public key.
func IssueDummyDocument(measurements interfaces.Measurements, nonce []byte, publicKey interfaces.AttestedPublicKey) ([]byte, error) {
	document := DummyDocument{
		AttestationType: DummyAttestation,
		Measurements:    measurements,
		Nonce:           nonce,
		PublicKey:       publicKey,
	}
	return json.Marshal(document)
}

// DummyVerifier verifies dummy documents. It applies the same measurement,
// nonce, and key checks as the hardware-backed verifiers but trusts the
// document contents instead of a signature.
type DummyVerifier struct{}

// AttestationType returns the dummy format identifier.
func (DummyVerifier) AttestationType() string { return DummyAttestation }

// Verify checks the document against the expected measurements and nonce and
// extracts the bound public key.
func (DummyVerifier) Verify(document []byte, expected interfaces.Measurements, nonce []byte) (interfaces.AttestedPublicKey, error) {
	var parsed DummyDocument
	if err := json.Unmarshal(document, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed dummy document: %v", interfaces.ErrAttestationFailed, err)
	}

	if parsed.AttestationType != DummyAttestation {
		return nil, fmt.Errorf("%w: document type %q is not %q", interfaces.ErrAttestationFailed, parsed.AttestationType, DummyAttestation)
	}

	if !bytes.Equal(parsed.Nonce, nonce) {
		return nil, fmt.Errorf("%w: nonce mismatch", interfaces.ErrAttestationFailed)
	}

	if err := expected.Verify(parsed.Measurements); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAttestationFailed, err)
	}

	publicKey, err := interfaces.NewAttestedPublicKey(parsed.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAttestationFailed, err)
	}
	return publicKey, nil
}
