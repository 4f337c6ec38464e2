package provisioning

import (
	"errors"
	"fmt"
)

var (
	// ErrAttestationFailed marks a handshake aborted because the vault's
	// attestation document failed verification. The device is not
	// trusted; no secret material was transmitted.
	ErrAttestationFailed = errors.New("attestation failed")

	// ErrPublicKeyMismatch marks a handshake aborted because the
	// plaintext public key in the attestation response differs from the
	// key the verifier extracted from the document. A compromised
	// transport substituting keys produces exactly this signature.
	ErrPublicKeyMismatch = errors.New("attested public key mismatch")

	// ErrVaultRejected marks an explicit rejection by the vault, e.g. a
	// PIN the vault refuses or a failed credential creation.
	ErrVaultRejected = errors.New("rejected by vault")

	// ErrInvalidPhase is returned when a handshake operation is called
	// out of sequence. Unlike the failures above it does not trip the
	// machine to Failed: the caller re-sequences and continues.
	ErrInvalidPhase = errors.New("operation not valid in current phase")

	// ErrHandshakeFailed is returned for any operation attempted after
	// the handshake reached the terminal Failed phase.
	ErrHandshakeFailed = errors.New("handshake already failed")
)

// PhaseError wraps a failure with the phase it occurred in, so an operator
// can tell "device not trusted" from "wrong password" from "transport
// outage" by the failing phase alone.
type PhaseError struct {
	Phase Phase
	Err   error
}

// Error names the failing phase before the cause.
func (e *PhaseError) Error() string {
	return fmt.Sprintf("provisioning phase %s: %v", e.Phase, e.Err)
}

// Unwrap exposes the cause for errors.Is and errors.As.
func (e *PhaseError) Unwrap() error {
	return e.Err
}
