package vaulttest

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ruteri/attested-vault-client/credential"
	"github.com/ruteri/attested-vault-client/cryptoutils"
	"github.com/ruteri/attested-vault-client/interfaces"
	"github.com/ruteri/attested-vault-client/provisioning"
	"github.com/ruteri/attested-vault-client/session"
	"github.com/ruteri/attested-vault-client/subject"
)

// Measurements is the register set the fake vault reports in its dummy
// attestation documents.
var Measurements = interfaces.Measurements{
	0: "aaaa",
	1: "bbbb",
}

// Config holds the misbehavior switches for failure-path tests. The zero
// value is a well-behaved vault.
type Config struct {
	// WrongMeasurements makes attestation documents report registers that
	// do not match Measurements.
	WrongMeasurements bool

	// MismatchedPublicKey makes the attestation response carry a
	// different plaintext key than the one bound in the document.
	MismatchedPublicKey bool

	// RejectPin acknowledges PIN submission with an error status.
	RejectPin bool

	// RejectRotation answers rotation requests with a foreign session id.
	RejectRotation bool

	// RejectCredential acknowledges credential creation with an error
	// status.
	RejectCredential bool

	// Silent lists operation tokens the vault ignores entirely, for
	// timeout tests.
	Silent map[string]bool

	// TransactionKeyCount is how many keys the vault-ready event carries;
	// zero means two.
	TransactionKeyCount int
}

// Vault is an in-process peer implementing the vault side of every protocol
// operation over a Transport. It backs the end-to-end tests and the CLI
// self-test command; it is not a production vault.
type Vault struct {
	owner     interfaces.OwnerID
	transport interfaces.Transport
	config    Config
	log       *slog.Logger

	attestedKey *cryptoutils.OneshotKeyPair

	mu              sync.Mutex
	sessionID       interfaces.SessionID
	aead            cipher.AEAD
	transactionKeys map[string]*cryptoutils.OneshotKeyPair
	receivedOps     []string
	pin             string
	passwordHash    string
}

// New creates a fake vault for an owner namespace. Call Start to attach it
// to the bus.
func New(owner interfaces.OwnerID, transport interfaces.Transport, config Config, log *slog.Logger) (*Vault, error) {
	if log == nil {
		log = slog.Default()
	}

	attestedKey, err := cryptoutils.GenerateOneshotKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate vault key: %w", err)
	}

	return &Vault{
		owner:           owner,
		transport:       transport,
		config:          config,
		log:             log,
		attestedKey:     attestedKey,
		transactionKeys: make(map[string]*cryptoutils.OneshotKeyPair),
	}, nil
}

// Start subscribes to the owner's forVault namespace and serves requests
// until ctx is cancelled or the subscription closes.
func (v *Vault) Start(ctx context.Context) error {
	inbound, err := v.transport.Subscribe(ctx, subject.VaultInbox(v.owner))
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-inbound:
				if !ok {
					return
				}
				v.handle(ctx, msg)
			}
		}
	}()
	return nil
}

// ReceivedOperations lists the operation tokens the vault has seen, in
// order. Tests use it to assert that, e.g., no PIN ever arrived after a
// failed attestation.
func (v *Vault) ReceivedOperations() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.receivedOps...)
}

// ReceivedPin returns the PIN decrypted from the enrollment, if any.
func (v *Vault) ReceivedPin() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pin
}

// ReceivedPasswordHash returns the password hash decrypted during
// credential creation, if any.
func (v *Vault) ReceivedPasswordHash() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.passwordHash
}

func (v *Vault) handle(ctx context.Context, msg interfaces.InboundMessage) {
	operation := subject.Operation(msg.Subject)

	v.mu.Lock()
	v.receivedOps = append(v.receivedOps, operation)
	silent := v.config.Silent[operation]
	v.mu.Unlock()

	if silent {
		v.log.Debug("Silently dropping operation", slog.String("operation", operation))
		return
	}

	var err error
	switch operation {
	case session.BootstrapOperation:
		err = v.handleBootstrap(ctx, msg.Payload)
	case session.RotateOperation:
		err = v.handleRotate(ctx, msg.Payload)
	case provisioning.AttestationOperation:
		err = v.handleAttestation(ctx, msg.Payload)
	case provisioning.PinOperation:
		err = v.handlePin(ctx, msg.Payload)
	case provisioning.CredentialOperation:
		err = v.handleCredential(ctx, msg.Payload)
	case session.EchoOperation:
		err = v.handleEcho(ctx, msg.Payload)
	default:
		v.log.Debug("Ignoring unknown operation", slog.String("operation", operation))
	}
	if err != nil {
		v.log.Warn("Handler failed",
			slog.String("operation", operation),
			"err", err)
	}
}

func (v *Vault) respond(ctx context.Context, operation, requestID string, response interface{}) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return v.transport.Publish(ctx, subject.ForAppResponse(v.owner, operation, requestID), payload)
}

// deriveSession installs a session key computed from the app's exchange key
// and returns the vault's public half.
func (v *Vault) deriveSession(appKey []byte, sessionID interfaces.SessionID) ([]byte, error) {
	keyPair, err := cryptoutils.GenerateExchangeKeyPair()
	if err != nil {
		return nil, err
	}
	defer keyPair.Destroy()

	peer, err := interfaces.NewExchangePublicKey(appKey)
	if err != nil {
		return nil, err
	}
	sharedSecret, err := keyPair.SharedSecret(peer)
	if err != nil {
		return nil, err
	}
	sessionKey, err := cryptoutils.DeriveSessionKey(sharedSecret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.sessionID = sessionID
	v.aead = aead
	v.mu.Unlock()
	return keyPair.PublicKey.Bytes(), nil
}

func (v *Vault) handleBootstrap(ctx context.Context, payload []byte) error {
	var request session.BootstrapRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return err
	}

	sessionID := interfaces.SessionID("sess-" + uuid.New().String())
	vaultKey, err := v.deriveSession(request.AppPublicKey, sessionID)
	if err != nil {
		return err
	}

	credBlob, err := (&credential.Credential{
		Owner:     v.owner,
		Publish:   []interfaces.SubjectPattern{interfaces.SubjectPattern(subject.VaultInbox(v.owner))},
		Subscribe: []interfaces.SubjectPattern{interfaces.SubjectPattern(subject.AppInbox(v.owner))},
		IssuedAt:  time.Now().UTC(),
	}).Encode()
	if err != nil {
		return err
	}

	return v.respond(ctx, session.BootstrapOperation, request.RequestID, session.BootstrapResponse{
		RequestID:      request.RequestID,
		VaultPublicKey: vaultKey,
		SessionID:      sessionID.String(),
		Credentials:    credBlob,
	})
}

func (v *Vault) handleRotate(ctx context.Context, payload []byte) error {
	var request session.BootstrapRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return err
	}

	if v.config.RejectRotation {
		return v.respond(ctx, session.RotateOperation, request.RequestID, session.BootstrapResponse{
			RequestID: request.RequestID,
			SessionID: "rejected",
		})
	}

	vaultKey, err := v.deriveSession(request.AppPublicKey, interfaces.SessionID(request.SessionID))
	if err != nil {
		return err
	}

	return v.respond(ctx, session.RotateOperation, request.RequestID, session.BootstrapResponse{
		RequestID:      request.RequestID,
		VaultPublicKey: vaultKey,
		SessionID:      request.SessionID,
	})
}

func (v *Vault) handleAttestation(ctx context.Context, payload []byte) error {
	var request provisioning.AttestationRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return err
	}

	reported := Measurements
	if v.config.WrongMeasurements {
		reported = interfaces.Measurements{0: "ffff", 1: "ffff"}
	}

	document, err := cryptoutils.IssueDummyDocument(reported, request.Nonce, v.attestedKey.PublicKey())
	if err != nil {
		return err
	}

	carried := v.attestedKey.PublicKey()
	if v.config.MismatchedPublicKey {
		other, err := cryptoutils.GenerateOneshotKeyPair()
		if err != nil {
			return err
		}
		carried = other.PublicKey()
	}

	return v.respond(ctx, provisioning.AttestationOperation, request.RequestID, provisioning.AttestationResponse{
		RequestID:           request.RequestID,
		AttestationType:     cryptoutils.DummyAttestation,
		AttestationDocument: document,
		PublicKey:           carried,
	})
}

func (v *Vault) handlePin(ctx context.Context, payload []byte) error {
	var request provisioning.PinRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return err
	}

	if v.config.RejectPin {
		return v.respond(ctx, provisioning.PinOperation, request.RequestID, provisioning.Ack{
			RequestID: request.RequestID,
			Status:    provisioning.StatusError,
			Message:   "pin rejected",
		})
	}

	pin, err := v.attestedKey.Decrypt(request.EncryptedPin)
	if err != nil {
		return v.respond(ctx, provisioning.PinOperation, request.RequestID, provisioning.Ack{
			RequestID: request.RequestID,
			Status:    provisioning.StatusError,
			Message:   "pin undecryptable",
		})
	}

	v.mu.Lock()
	v.pin = string(pin)
	v.mu.Unlock()

	if err := v.respond(ctx, provisioning.PinOperation, request.RequestID, provisioning.Ack{
		RequestID: request.RequestID,
		Status:    provisioning.StatusOK,
	}); err != nil {
		return err
	}

	keys, err := v.issueTransactionKeys()
	if err != nil {
		return err
	}

	event, err := json.Marshal(provisioning.VaultReadyEvent{TransactionKeys: keys})
	if err != nil {
		return err
	}
	return v.transport.Publish(ctx, subject.ForApp(v.owner, provisioning.VaultReadyOperation), event)
}

func (v *Vault) issueTransactionKeys() ([]credential.TransactionKey, error) {
	count := v.config.TransactionKeyCount
	if count == 0 {
		count = 2
	}

	keys := make([]credential.TransactionKey, 0, count)
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := 0; i < count; i++ {
		keyPair, err := cryptoutils.GenerateOneshotKeyPair()
		if err != nil {
			return nil, err
		}
		keyID := "txn-" + uuid.New().String()
		v.transactionKeys[keyID] = keyPair
		keys = append(keys, credential.TransactionKey{KeyID: keyID, PublicKey: keyPair.PublicKey()})
	}
	return keys, nil
}

func (v *Vault) handleCredential(ctx context.Context, payload []byte) error {
	var request provisioning.CredentialRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return err
	}

	reject := func(message string) error {
		return v.respond(ctx, provisioning.CredentialOperation, request.RequestID, provisioning.CredentialResponse{
			RequestID: request.RequestID,
			Status:    provisioning.StatusError,
			Message:   message,
		})
	}

	if v.config.RejectCredential {
		return reject("credential rejected")
	}

	v.mu.Lock()
	keyPair, ok := v.transactionKeys[request.KeyID]
	// Consume the key whatever happens next; a transaction key decrypts
	// exactly once.
	delete(v.transactionKeys, request.KeyID)
	v.mu.Unlock()
	if !ok {
		return reject("unknown or reused transaction key")
	}

	passwordHash, err := keyPair.Decrypt(request.EncryptedCredential)
	if err != nil {
		return reject("credential undecryptable")
	}

	v.mu.Lock()
	v.passwordHash = string(passwordHash)
	v.mu.Unlock()

	replacements, err := v.issueTransactionKeys()
	if err != nil {
		return err
	}

	return v.respond(ctx, provisioning.CredentialOperation, request.RequestID, provisioning.CredentialResponse{
		RequestID:       request.RequestID,
		Status:          provisioning.StatusOK,
		ReplacementKeys: replacements[:1],
	})
}

func (v *Vault) handleEcho(ctx context.Context, payload []byte) error {
	envelope, err := session.DecodeEnvelope(payload)
	if err != nil {
		return err
	}

	v.mu.Lock()
	aead := v.aead
	sessionID := v.sessionID
	v.mu.Unlock()
	if aead == nil {
		return fmt.Errorf("echo before any session")
	}
	if envelope.SessionID != sessionID.String() {
		return fmt.Errorf("envelope for unknown session %q", envelope.SessionID)
	}

	plaintext, err := aead.Open(nil, envelope.Nonce, envelope.Ciphertext, nil)
	if err != nil {
		return fmt.Errorf("failed to open echo envelope: %w", err)
	}

	var body session.EchoBody
	if err := json.Unmarshal(plaintext, &body); err != nil {
		return fmt.Errorf("malformed echo body: %w", err)
	}

	nonce := make([]byte, session.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}

	response := session.Envelope{
		Version:    session.EnvelopeVersion,
		SessionID:  sessionID.String(),
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
		Nonce:      nonce,
	}
	responsePayload, err := response.Encode()
	if err != nil {
		return err
	}
	return v.transport.Publish(ctx, subject.ForAppResponse(v.owner, session.EchoOperation, body.RequestID), responsePayload)
}
