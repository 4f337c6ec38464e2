package interfaces

import "errors"

var (
	// ErrAttestationFailed is returned when an attestation document fails
	// signature, measurement, freshness, or nonce verification. The
	// verifier fails closed: there is no partial trust.
	ErrAttestationFailed = errors.New("attestation verification failed")
)

// AttestationVerifier validates a remote attestation document against an
// expected measurement policy and a caller-chosen freshness nonce, and
// extracts the public key the document binds.
type AttestationVerifier interface {
	// AttestationType returns the document format this verifier accepts,
	// e.g. "aws-nitro" or "qemu-tdx".
	AttestationType() string

	// Verify checks the document and returns the attested public key.
	// Any signature, measurement, freshness, or nonce mismatch fails the
	// whole verification with an error wrapping ErrAttestationFailed.
	Verify(document []byte, expected Measurements, nonce []byte) (AttestedPublicKey, error)
}
