package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/attested-vault-client/correlator"
	"github.com/ruteri/attested-vault-client/interfaces"
	"github.com/ruteri/attested-vault-client/subject"
)

// DefaultRequestTimeout bounds every awaited vault response unless
// overridden with WithTimeout.
const DefaultRequestTimeout = 30 * time.Second

// Lifecycle orchestrates session crypto over the correlator: bootstrap,
// rotation, teardown, and sealed request/response exchanges through the
// active session. One Lifecycle exists per connection and is handed to the
// provisioning handshake explicitly, never looked up globally.
type Lifecycle struct {
	owner   interfaces.OwnerID
	device  interfaces.DeviceID
	crypto  *Crypto
	corr    *correlator.Correlator
	log     *slog.Logger
	timeout time.Duration
}

// NewLifecycle creates the session lifecycle for a connection. A nil logger
// falls back to slog.Default.
func NewLifecycle(owner interfaces.OwnerID, device interfaces.DeviceID, crypto *Crypto, corr *correlator.Correlator, log *slog.Logger) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{
		owner:   owner,
		device:  device,
		crypto:  crypto,
		corr:    corr,
		log:     log,
		timeout: DefaultRequestTimeout,
	}
}

// WithTimeout overrides the per-request timeout.
func (l *Lifecycle) WithTimeout(timeout time.Duration) *Lifecycle {
	l.timeout = timeout
	return l
}

// Crypto exposes the underlying session crypto for status queries.
func (l *Lifecycle) Crypto() *Crypto { return l.crypto }

// Owner returns the owner namespace this lifecycle operates under.
func (l *Lifecycle) Owner() interfaces.OwnerID { return l.owner }

// responseMatcher accepts the correlated response for an operation: the
// vault publishes it on "<owner>.forApp.<operation>.<request_id>".
func (l *Lifecycle) responseMatcher(operation, requestID string) correlator.MatchFunc {
	want := subject.ForAppResponse(l.owner, operation, requestID)
	return func(msg interfaces.InboundMessage) bool {
		return msg.Subject == want
	}
}

// Bootstrap performs the initial key exchange and returns the opaque
// credential blob the vault issues alongside the first session. The
// exchange is single-flight; a concurrent attempt fails with
// ErrBootstrapInProgress.
func (l *Lifecycle) Bootstrap(ctx context.Context) ([]byte, error) {
	publicKey, err := l.crypto.InitiateBootstrap()
	if err != nil {
		return nil, err
	}

	requestID := correlator.NewRequestID()
	request := newBootstrapRequest(requestID, publicKey, l.device, "")
	payload, err := json.Marshal(request)
	if err != nil {
		l.crypto.AbortExchange()
		return nil, fmt.Errorf("failed to encode bootstrap request: %w", err)
	}

	msg, err := l.corr.SubmitAndAwait(ctx, subject.ForVault(l.owner, BootstrapOperation), payload,
		requestID, l.responseMatcher(BootstrapOperation, requestID), l.timeout)
	if err != nil {
		l.crypto.AbortExchange()
		return nil, fmt.Errorf("bootstrap exchange failed: %w", err)
	}

	var response BootstrapResponse
	if err := json.Unmarshal(msg.Payload, &response); err != nil {
		l.crypto.AbortExchange()
		return nil, fmt.Errorf("malformed bootstrap response: %w", err)
	}

	if err := l.crypto.CompleteBootstrap(ctx, response); err != nil {
		return nil, err
	}

	l.log.Debug("Bootstrap complete",
		slog.String("session_id", response.SessionID),
		slog.Bool("credentials_issued", len(response.Credentials) > 0))
	return response.Credentials, nil
}

// Rotate re-keys the active session in place. A rejected rotation is fatal:
// the session is destroyed and the caller must Bootstrap again.
func (l *Lifecycle) Rotate(ctx context.Context) error {
	publicKey, sessionID, err := l.crypto.InitiateRotation()
	if err != nil {
		return err
	}

	requestID := correlator.NewRequestID()
	request := newBootstrapRequest(requestID, publicKey, l.device, sessionID)
	payload, err := json.Marshal(request)
	if err != nil {
		l.crypto.AbortExchange()
		return fmt.Errorf("failed to encode rotation request: %w", err)
	}

	msg, err := l.corr.SubmitAndAwait(ctx, subject.ForVault(l.owner, RotateOperation), payload,
		requestID, l.responseMatcher(RotateOperation, requestID), l.timeout)
	if err != nil {
		l.crypto.AbortExchange()
		return fmt.Errorf("rotation exchange failed: %w", err)
	}

	var response BootstrapResponse
	if err := json.Unmarshal(msg.Payload, &response); err != nil {
		l.crypto.AbortExchange()
		return fmt.Errorf("malformed rotation response: %w", err)
	}

	return l.crypto.CompleteRotation(ctx, response)
}

// RotateIfNeeded rotates when the policy says the session is due. Callers
// hitting ErrKeyRotationRequired from sealed operations use this before
// retrying.
func (l *Lifecycle) RotateIfNeeded(ctx context.Context) error {
	if !l.crypto.ShouldRotate() {
		return nil
	}
	return l.Rotate(ctx)
}

// Clear destroys the active session locally.
func (l *Lifecycle) Clear(ctx context.Context) {
	l.crypto.Clear(ctx)
}

// Request seals a plaintext under the active session, publishes it to the
// operation's vault subject, awaits the correlated response envelope, and
// returns its decrypted plaintext. The caller embeds requestID in the
// plaintext body; the vault echoes it as the response subject's final
// token. An authentication failure on the response destroys the session.
func (l *Lifecycle) Request(ctx context.Context, operation, requestID string, plaintext []byte) ([]byte, error) {
	envelope, err := l.crypto.Seal(ctx, plaintext)
	if err != nil {
		return nil, err
	}

	payload, err := envelope.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	msg, err := l.corr.SubmitAndAwait(ctx, subject.ForVault(l.owner, operation), payload,
		requestID, l.responseMatcher(operation, requestID), l.timeout)
	if err != nil {
		return nil, err
	}

	responseEnvelope, err := DecodeEnvelope(msg.Payload)
	if err != nil {
		return nil, err
	}

	response, err := l.crypto.Open(responseEnvelope)
	if err != nil {
		if errors.Is(err, ErrDecryptionFailed) {
			// Authentication failure under the active key is not
			// recoverable by retry; force a fresh bootstrap.
			l.log.Error("Response envelope failed authentication, clearing session", "err", err)
			l.crypto.Clear(ctx)
		}
		return nil, err
	}
	return response, nil
}

// Send seals a plaintext and publishes it without awaiting a response. As
// with Request, the caller embeds requestID in the plaintext body so the
// vault can attribute the message.
func (l *Lifecycle) Send(ctx context.Context, operation, requestID string, plaintext []byte) error {
	envelope, err := l.crypto.Seal(ctx, plaintext)
	if err != nil {
		return err
	}

	payload, err := envelope.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	return l.corr.FireAndForget(ctx, subject.ForVault(l.owner, operation), payload, requestID)
}

// Echo runs the cheap idempotent round-trip that positively confirms the
// sealed channel end to end: the vault must return an envelope whose
// plaintext matches the sent body exactly.
func (l *Lifecycle) Echo(ctx context.Context) error {
	requestID := correlator.NewRequestID()
	body, err := json.Marshal(EchoBody{RequestID: requestID, Payload: "ping"})
	if err != nil {
		return fmt.Errorf("failed to encode echo body: %w", err)
	}

	response, err := l.Request(ctx, EchoOperation, requestID, body)
	if err != nil {
		return fmt.Errorf("echo round-trip failed: %w", err)
	}

	var echoed EchoBody
	if err := json.Unmarshal(response, &echoed); err != nil {
		return fmt.Errorf("malformed echo response: %w", err)
	}
	if echoed.RequestID != requestID || echoed.Payload != "ping" {
		return fmt.Errorf("echo response does not match request")
	}
	return nil
}
