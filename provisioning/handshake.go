package provisioning

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/attested-vault-client/correlator"
	"github.com/ruteri/attested-vault-client/credential"
	"github.com/ruteri/attested-vault-client/cryptoutils"
	"github.com/ruteri/attested-vault-client/interfaces"
	"github.com/ruteri/attested-vault-client/session"
	"github.com/ruteri/attested-vault-client/subject"
)

// Phase is the handshake's position in the strictly sequential enrollment
// protocol. Transitions only move forward, except that any failure jumps to
// the terminal PhaseFailed.
type Phase int

const (
	PhaseConnected Phase = iota
	PhaseAttestationRequested
	PhaseAttestationVerified
	PhasePinSubmitted
	PhaseVaultReady
	PhaseCredentialSubmitted
	PhaseVerified
	PhaseFailed
)

// String names the phase for logs and phase-tagged errors.
func (p Phase) String() string {
	switch p {
	case PhaseConnected:
		return "connected"
	case PhaseAttestationRequested:
		return "attestation-requested"
	case PhaseAttestationVerified:
		return "attestation-verified"
	case PhasePinSubmitted:
		return "pin-submitted"
	case PhaseVaultReady:
		return "vault-ready"
	case PhaseCredentialSubmitted:
		return "credential-submitted"
	case PhaseVerified:
		return "verified"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Handshake executes the attestation-bound enrollment protocol once. It is
// constructed per enrollment with its collaborators injected; there is no
// retry inside the handshake — a failed enrollment is discarded and the
// caller starts a fresh one.
type Handshake struct {
	owner     interfaces.OwnerID
	lifecycle *session.Lifecycle
	corr      *correlator.Correlator
	verifiers *cryptoutils.VerifierRegistry
	expected  interfaces.Measurements
	log       *slog.Logger
	timeout   time.Duration

	mu          sync.Mutex
	phase       Phase
	failure     *PhaseError
	attestedKey interfaces.AttestedPublicKey
	keyRing     *credential.KeyRing
	credBlob    []byte
}

// NewHandshake creates an enrollment handshake in the Connected phase. A
// nil logger falls back to slog.Default.
func NewHandshake(lifecycle *session.Lifecycle, corr *correlator.Correlator, verifiers *cryptoutils.VerifierRegistry, expected interfaces.Measurements, log *slog.Logger) *Handshake {
	if log == nil {
		log = slog.Default()
	}
	return &Handshake{
		owner:     lifecycle.Owner(),
		lifecycle: lifecycle,
		corr:      corr,
		verifiers: verifiers,
		expected:  expected,
		log:       log,
		timeout:   session.DefaultRequestTimeout,
		phase:     PhaseConnected,
	}
}

// WithTimeout overrides the per-phase await timeout.
func (h *Handshake) WithTimeout(timeout time.Duration) *Handshake {
	h.timeout = timeout
	return h
}

// Phase returns the handshake's current phase.
func (h *Handshake) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

// Failure returns the phase-tagged error that tripped the handshake, if it
// failed.
func (h *Handshake) Failure() *PhaseError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failure
}

// KeyRing exposes the transaction keys received with the vault-ready event,
// for callers that continue issuing credentials after enrollment.
func (h *Handshake) KeyRing() *credential.KeyRing {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.keyRing
}

// require checks the phase gate for an operation. Calling out of sequence
// is a protocol-state error that leaves the machine where it is.
func (h *Handshake) require(expected Phase) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.phase == PhaseFailed {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, h.failure)
	}
	if h.phase != expected {
		return fmt.Errorf("%w: in phase %s, expected %s", ErrInvalidPhase, h.phase, expected)
	}
	return nil
}

func (h *Handshake) advance(to Phase) {
	h.mu.Lock()
	h.phase = to
	h.mu.Unlock()
	h.log.Debug("Handshake phase advanced", slog.String("phase", to.String()))
}

// fail moves the machine to the terminal Failed phase, tagging the error
// with the phase it occurred in.
func (h *Handshake) fail(phase Phase, err error) error {
	tagged := &PhaseError{Phase: phase, Err: err}
	h.mu.Lock()
	h.phase = PhaseFailed
	h.failure = tagged
	h.mu.Unlock()
	h.log.Error("Handshake failed",
		slog.String("phase", phase.String()),
		"err", err)
	return tagged
}

// submit publishes a request and decodes the correlated response into out.
func (h *Handshake) submit(ctx context.Context, operation, requestID string, request, out interface{}) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", operation, err)
	}

	want := subject.ForAppResponse(h.owner, operation, requestID)
	msg, err := h.corr.SubmitAndAwait(ctx, subject.ForVault(h.owner, operation), payload, requestID,
		func(msg interfaces.InboundMessage) bool { return msg.Subject == want }, h.timeout)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(msg.Payload, out); err != nil {
		return fmt.Errorf("malformed %s response: %w", operation, err)
	}
	return nil
}

// RequestAttestation runs Connected through AttestationVerified: a fresh
// nonce, the attestation request, fail-closed verification, and the
// defense-in-depth comparison of the verifier-extracted key against the
// plaintext copy in the response.
func (h *Handshake) RequestAttestation(ctx context.Context) error {
	if err := h.require(PhaseConnected); err != nil {
		return err
	}
	h.advance(PhaseAttestationRequested)

	nonce := make([]byte, attestationNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return h.fail(PhaseAttestationRequested, fmt.Errorf("failed to generate nonce: %w", err))
	}

	requestID := correlator.NewRequestID()
	var response AttestationResponse
	if err := h.submit(ctx, AttestationOperation, requestID, AttestationRequest{RequestID: requestID, Nonce: nonce}, &response); err != nil {
		return h.fail(PhaseAttestationRequested, err)
	}

	verifier, err := h.verifiers.VerifierFor(response.AttestationType)
	if err != nil {
		return h.fail(PhaseAttestationRequested, fmt.Errorf("%w: %w", ErrAttestationFailed, err))
	}

	verifiedKey, err := verifier.Verify(response.AttestationDocument, h.expected, nonce)
	if err != nil {
		return h.fail(PhaseAttestationRequested, fmt.Errorf("%w: %w", ErrAttestationFailed, err))
	}

	if !verifiedKey.Equal(interfaces.AttestedPublicKey(response.PublicKey)) {
		return h.fail(PhaseAttestationRequested, ErrPublicKeyMismatch)
	}

	h.mu.Lock()
	h.attestedKey = verifiedKey
	h.mu.Unlock()
	h.advance(PhaseAttestationVerified)
	return nil
}

// SubmitPin encrypts the PIN to the attested key with the one-shot scheme
// and awaits the vault's acknowledgment. Only runs after attestation has
// verified — a failed attestation means the PIN is never encrypted, let
// alone transmitted.
func (h *Handshake) SubmitPin(ctx context.Context, pin string) error {
	if err := h.require(PhaseAttestationVerified); err != nil {
		return err
	}

	encryptedPin, err := cryptoutils.EncryptToAttestedKey(h.attestedKey, []byte(pin))
	if err != nil {
		return h.fail(PhaseAttestationVerified, err)
	}

	requestID := correlator.NewRequestID()
	var ack Ack
	if err := h.submit(ctx, PinOperation, requestID, PinRequest{RequestID: requestID, EncryptedPin: encryptedPin}, &ack); err != nil {
		return h.fail(PhaseAttestationVerified, err)
	}
	if ack.Status != StatusOK {
		return h.fail(PhaseAttestationVerified, fmt.Errorf("%w: %s", ErrVaultRejected, ack.Message))
	}

	h.advance(PhasePinSubmitted)
	return nil
}

// AwaitVaultReady blocks for the vault-ready event, which carries no
// request id and is matched by subject alone, and records the single-use
// transaction keys it delivers.
func (h *Handshake) AwaitVaultReady(ctx context.Context) error {
	if err := h.require(PhasePinSubmitted); err != nil {
		return err
	}

	msg, err := h.corr.AwaitEvent(ctx, subject.EventSubject(h.owner, VaultReadyOperation), h.timeout)
	if err != nil {
		return h.fail(PhasePinSubmitted, err)
	}

	var event VaultReadyEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return h.fail(PhasePinSubmitted, fmt.Errorf("malformed vault-ready event: %w", err))
	}
	if len(event.TransactionKeys) == 0 {
		return h.fail(PhasePinSubmitted, fmt.Errorf("vault-ready event carries no transaction keys"))
	}

	h.mu.Lock()
	h.keyRing = credential.NewKeyRing(event.TransactionKeys)
	h.mu.Unlock()
	h.advance(PhaseVaultReady)
	return nil
}

// CreateCredential hashes the password into a PHC string, encrypts it to
// exactly one transaction key, and submits it for credential creation. The
// used key is consumed whatever the outcome; replacement keys from the
// response join the ring.
func (h *Handshake) CreateCredential(ctx context.Context, password string) error {
	if err := h.require(PhaseVaultReady); err != nil {
		return err
	}

	passwordHash, err := cryptoutils.HashPassword(password)
	if err != nil {
		return h.fail(PhaseVaultReady, err)
	}

	h.mu.Lock()
	ring := h.keyRing
	h.mu.Unlock()

	transactionKey, err := ring.Take()
	if err != nil {
		return h.fail(PhaseVaultReady, err)
	}

	encrypted, err := cryptoutils.EncryptToAttestedKey(transactionKey.PublicKey, []byte(passwordHash))
	if err != nil {
		return h.fail(PhaseVaultReady, err)
	}

	requestID := correlator.NewRequestID()
	request := CredentialRequest{RequestID: requestID, KeyID: transactionKey.KeyID, EncryptedCredential: encrypted}
	var response CredentialResponse
	if err := h.submit(ctx, CredentialOperation, requestID, request, &response); err != nil {
		return h.fail(PhaseVaultReady, err)
	}
	if response.Status != StatusOK {
		return h.fail(PhaseVaultReady, fmt.Errorf("%w: %s", ErrVaultRejected, response.Message))
	}

	ring.Record(response.ReplacementKeys)
	h.advance(PhaseCredentialSubmitted)
	return nil
}

// Verify positively confirms end-to-end correctness before declaring
// success: it bootstraps the encrypted session if none is active and runs
// the sealed echo round-trip through it.
func (h *Handshake) Verify(ctx context.Context) error {
	if err := h.require(PhaseCredentialSubmitted); err != nil {
		return err
	}

	if _, ok := h.lifecycle.Crypto().SessionID(); !ok {
		blob, err := h.lifecycle.Bootstrap(ctx)
		if err != nil {
			return h.fail(PhaseCredentialSubmitted, err)
		}
		h.mu.Lock()
		h.credBlob = blob
		h.mu.Unlock()
	}

	if err := h.lifecycle.Echo(ctx); err != nil {
		return h.fail(PhaseCredentialSubmitted, err)
	}

	h.advance(PhaseVerified)
	h.log.Info("Enrollment verified",
		slog.String("owner", h.owner.String()))
	return nil
}

// Credential returns the opaque credential blob issued during Verify's
// bootstrap, if one was issued.
func (h *Handshake) Credential() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.credBlob
}

// Run executes the full enrollment sequence and returns the issued
// credential blob. Retry policy belongs to the caller: on any error the
// handshake is spent.
func (h *Handshake) Run(ctx context.Context, pin, password string) ([]byte, error) {
	if err := h.RequestAttestation(ctx); err != nil {
		return nil, err
	}
	if err := h.SubmitPin(ctx, pin); err != nil {
		return nil, err
	}
	if err := h.AwaitVaultReady(ctx); err != nil {
		return nil, err
	}
	if err := h.CreateCredential(ctx, password); err != nil {
		return nil, err
	}
	if err := h.Verify(ctx); err != nil {
		return nil, err
	}
	return h.Credential(), nil
}
