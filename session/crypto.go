package session

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ruteri/attested-vault-client/cryptoutils"
	"github.com/ruteri/attested-vault-client/interfaces"
)

var (
	// ErrNoSession is returned when sealing or opening without an
	// established session. Locally recoverable: bootstrap first.
	ErrNoSession = errors.New("no active session")

	// ErrBootstrapInProgress is returned when a bootstrap or rotation is
	// initiated while another is pending. Only one key exchange may be in
	// flight per connection.
	ErrBootstrapInProgress = errors.New("bootstrap already in progress")

	// ErrSessionMismatch is returned when an envelope names a different
	// session than the active one.
	ErrSessionMismatch = errors.New("envelope session mismatch")

	// ErrDecryptionFailed is returned when an envelope is malformed or
	// fails AEAD authentication. Fatal to the session: the caller must
	// clear and re-bootstrap rather than retry with the same key.
	ErrDecryptionFailed = errors.New("envelope decryption failed")

	// ErrKeyRotationRequired is returned by Seal once the rotation policy
	// holds. The caller must rotate before sealing more data.
	ErrKeyRotationRequired = errors.New("key rotation required")

	// ErrRotationRejected is returned when the vault declines a rotation.
	// Fatal to the session: the caller must clear and re-bootstrap.
	ErrRotationRejected = errors.New("rotation rejected by peer")

	// ErrReplayDetected is returned when an envelope reuses a nonce that
	// was already accepted in this session.
	ErrReplayDetected = errors.New("envelope replay detected")
)

// Rotation policy thresholds. A session must be re-keyed after this many
// sealed messages or this much wall-clock age, whichever comes first.
const (
	RotationMessageLimit = 1000
	RotationMaxAge       = 24 * time.Hour
)

// replayWindowSize bounds the nonce cache consulted by Open. The cache is
// in-process only; it resets on restart and rotation.
const replayWindowSize = 1024

// Secret store keys for persisted session fields.
const (
	storeKeySessionID     = "session/id"
	storeKeySessionKey    = "session/key"
	storeKeyEstablishedAt = "session/established_at"
	storeKeyMessageCount  = "session/message_count"
)

// state is the mutable session record. Guarded by Crypto.mu; the key is
// present if and only if the id is.
type state struct {
	id            interfaces.SessionID
	key           interfaces.SessionKey
	aead          cipher.AEAD
	establishedAt time.Time
	messageCount  uint64
	replay        *nonceCache
}

// Crypto owns the session key material and the bootstrap, seal, open, and
// rotation operations over it. All mutable state sits behind one mutex, so
// concurrent Seal calls serialize through the rotation-policy check and the
// message counter never overruns the threshold unobserved.
type Crypto struct {
	store interfaces.SecretStore
	log   *slog.Logger
	now   func() time.Time

	mu              sync.Mutex
	current         *state
	pending         *cryptoutils.ExchangeKeyPair
	pendingRotation bool
}

// NewCrypto creates a session crypto component persisting through the given
// secret store. A nil logger falls back to slog.Default.
func NewCrypto(store interfaces.SecretStore, log *slog.Logger) *Crypto {
	if log == nil {
		log = slog.Default()
	}
	return &Crypto{store: store, log: log, now: time.Now}
}

// SessionID returns the active session id, if any.
func (c *Crypto) SessionID() (interfaces.SessionID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return "", false
	}
	return c.current.id, true
}

// Status reports the active session's age and message count for rotation
// decisions and operator display.
func (c *Crypto) Status() (id interfaces.SessionID, establishedAt time.Time, messageCount uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return "", time.Time{}, 0, false
	}
	return c.current.id, c.current.establishedAt, c.current.messageCount, true
}

// InitiateBootstrap generates the single-use keypair for a new session and
// returns its public half for the bootstrap request. Fails with
// ErrBootstrapInProgress while another exchange is pending.
func (c *Crypto) InitiateBootstrap() (interfaces.ExchangePublicKey, error) {
	return c.initiateExchange(false)
}

// InitiateRotation generates the keypair for re-keying the active session.
// The session id is preserved across rotation; only the key changes.
func (c *Crypto) InitiateRotation() (interfaces.ExchangePublicKey, interfaces.SessionID, error) {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return nil, "", ErrNoSession
	}
	id := c.current.id
	c.mu.Unlock()

	publicKey, err := c.initiateExchange(true)
	if err != nil {
		return nil, "", err
	}
	return publicKey, id, nil
}

func (c *Crypto) initiateExchange(rotation bool) (interfaces.ExchangePublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil {
		return nil, ErrBootstrapInProgress
	}

	keyPair, err := cryptoutils.GenerateExchangeKeyPair()
	if err != nil {
		return nil, err
	}
	c.pending = keyPair
	c.pendingRotation = rotation
	return keyPair.PublicKey, nil
}

// AbortExchange discards a pending bootstrap or rotation keypair, e.g.
// after a request timeout. Safe to call when nothing is pending.
func (c *Crypto) AbortExchange() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discardPendingLocked()
}

func (c *Crypto) discardPendingLocked() {
	if c.pending != nil {
		c.pending.Destroy()
		c.pending = nil
	}
	c.pendingRotation = false
}

// CompleteBootstrap derives the session key from the vault's response and
// establishes the new session, replacing any previous one. The ephemeral
// private key is destroyed before returning, success or not.
func (c *Crypto) CompleteBootstrap(ctx context.Context, response BootstrapResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil || c.pendingRotation {
		return fmt.Errorf("%w: no bootstrap pending", ErrNoSession)
	}
	defer c.discardPendingLocked()

	if response.SessionID == "" {
		return fmt.Errorf("%w: response carries no session id", interfaces.ErrInvalidPublicKey)
	}

	session, err := c.deriveStateLocked(response.VaultPublicKey, interfaces.SessionID(response.SessionID))
	if err != nil {
		return err
	}

	c.current = session
	c.persistLocked(ctx)
	c.log.Debug("Session established",
		slog.String("session_id", response.SessionID))
	return nil
}

// CompleteRotation installs the re-keyed session. The response must echo
// the live session id; anything else is a rejected rotation, which is fatal:
// the active session is destroyed and the caller must re-bootstrap.
func (c *Crypto) CompleteRotation(ctx context.Context, response BootstrapResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil || !c.pendingRotation {
		return fmt.Errorf("%w: no rotation pending", ErrNoSession)
	}
	defer c.discardPendingLocked()

	if c.current == nil {
		return ErrNoSession
	}

	if interfaces.SessionID(response.SessionID) != c.current.id {
		c.clearLocked(ctx)
		return fmt.Errorf("%w: response session id %q", ErrRotationRejected, response.SessionID)
	}

	session, err := c.deriveStateLocked(response.VaultPublicKey, c.current.id)
	if err != nil {
		c.clearLocked(ctx)
		return fmt.Errorf("%w: %w", ErrRotationRejected, err)
	}

	c.current.key.Wipe()
	c.current = session
	c.persistLocked(ctx)
	c.log.Debug("Session rotated",
		slog.String("session_id", session.id.String()))
	return nil
}

// deriveStateLocked runs the shared-secret and HKDF derivation against the
// pending keypair and builds a fresh session state.
func (c *Crypto) deriveStateLocked(peerKey []byte, id interfaces.SessionID) (*state, error) {
	publicKey, err := interfaces.NewExchangePublicKey(peerKey)
	if err != nil {
		return nil, err
	}

	sharedSecret, err := c.pending.SharedSecret(publicKey)
	if err != nil {
		return nil, err
	}

	key, err := cryptoutils.DeriveSessionKey(sharedSecret)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AEAD: %w", err)
	}

	return &state{
		id:            id,
		key:           key,
		aead:          aead,
		establishedAt: c.now(),
		replay:        newNonceCache(replayWindowSize),
	}, nil
}

// ShouldRotate evaluates the rotation policy against the active session.
func (c *Crypto) ShouldRotate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && c.shouldRotateLocked()
}

func (c *Crypto) shouldRotateLocked() bool {
	return c.current.messageCount >= RotationMessageLimit ||
		c.now().Sub(c.current.establishedAt) >= RotationMaxAge
}

// Seal encrypts a plaintext into an envelope under the active session. Every
// envelope gets a fresh random nonce; the message counter increments and is
// persisted best-effort. Fails with ErrKeyRotationRequired once the rotation
// policy holds.
func (c *Crypto) Seal(ctx context.Context, plaintext []byte) (*Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return nil, ErrNoSession
	}
	if c.shouldRotateLocked() {
		return nil, fmt.Errorf("%w: %d messages, session age %s",
			ErrKeyRotationRequired, c.current.messageCount, c.now().Sub(c.current.establishedAt).Round(time.Second))
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := c.current.aead.Seal(nil, nonce, plaintext, nil)
	c.current.messageCount++

	// Best effort: a stale persisted count after a crash risks only one
	// premature rotation, never nonce reuse.
	if err := c.store.Save(ctx, storeKeyMessageCount, []byte(strconv.FormatUint(c.current.messageCount, 10))); err != nil {
		c.log.Warn("Failed to persist message count", "err", err)
	}

	return &Envelope{
		Version:    EnvelopeVersion,
		SessionID:  c.current.id.String(),
		Ciphertext: ciphertext,
		Nonce:      nonce,
	}, nil
}

// Open authenticates and decrypts an envelope under the active session.
// Envelopes naming another session fail with ErrSessionMismatch before any
// cryptography; authenticated nonces are remembered and a repeat fails with
// ErrReplayDetected.
func (c *Crypto) Open(envelope *Envelope) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return nil, ErrNoSession
	}
	if err := envelope.Validate(); err != nil {
		return nil, err
	}
	if envelope.SessionID != c.current.id.String() {
		return nil, fmt.Errorf("%w: envelope for %q, active session %q",
			ErrSessionMismatch, envelope.SessionID, c.current.id)
	}

	if c.current.replay.seen(envelope.Nonce) {
		return nil, ErrReplayDetected
	}

	plaintext, err := c.current.aead.Open(nil, envelope.Nonce, envelope.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	c.current.replay.record(envelope.Nonce)
	return plaintext, nil
}

// Clear destroys the active session: key material is wiped in memory and
// every persisted field is deleted.
func (c *Crypto) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discardPendingLocked()
	c.clearLocked(ctx)
}

func (c *Crypto) clearLocked(ctx context.Context) {
	if c.current != nil {
		c.current.key.Wipe()
		c.current = nil
	}
	for _, key := range []string{storeKeySessionID, storeKeySessionKey, storeKeyEstablishedAt, storeKeyMessageCount} {
		if err := c.store.Delete(ctx, key); err != nil {
			c.log.Warn("Failed to delete persisted session field",
				slog.String("key", key), "err", err)
		}
	}
}

// Restore reloads a persisted session after process restart. A store holding
// only part of the session record is treated as no session and cleaned up,
// preserving the key-iff-id invariant.
func (c *Crypto) Restore(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idBytes, idErr := c.store.Load(ctx, storeKeySessionID)
	keyBytes, keyErr := c.store.Load(ctx, storeKeySessionKey)

	if errors.Is(idErr, interfaces.ErrSecretNotFound) || errors.Is(keyErr, interfaces.ErrSecretNotFound) {
		if idErr == nil || keyErr == nil {
			c.log.Warn("Partial session record in secret store, clearing")
			c.clearLocked(ctx)
		}
		return nil
	}
	if idErr != nil {
		return fmt.Errorf("failed to load session id: %w", idErr)
	}
	if keyErr != nil {
		return fmt.Errorf("failed to load session key: %w", keyErr)
	}

	key, err := interfaces.NewSessionKey(keyBytes)
	if err != nil {
		c.clearLocked(ctx)
		return fmt.Errorf("persisted session key invalid: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("failed to initialize AEAD: %w", err)
	}

	establishedAt := c.now()
	if raw, err := c.store.Load(ctx, storeKeyEstablishedAt); err == nil {
		if parsed, err := time.Parse(time.RFC3339Nano, string(raw)); err == nil {
			establishedAt = parsed
		}
	}

	var messageCount uint64
	if raw, err := c.store.Load(ctx, storeKeyMessageCount); err == nil {
		if parsed, err := strconv.ParseUint(string(raw), 10, 64); err == nil {
			messageCount = parsed
		}
	}

	c.current = &state{
		id:            interfaces.SessionID(idBytes),
		key:           key,
		aead:          aead,
		establishedAt: establishedAt,
		messageCount:  messageCount,
		replay:        newNonceCache(replayWindowSize),
	}
	c.log.Debug("Session restored",
		slog.String("session_id", string(idBytes)),
		slog.Uint64("message_count", messageCount))
	return nil
}

// persistLocked writes every session field to the secret store. Failures are
// logged, not fatal: the in-memory session stays usable and the next
// establish or increment retries.
func (c *Crypto) persistLocked(ctx context.Context) {
	fields := map[string][]byte{
		storeKeySessionID:     []byte(c.current.id),
		storeKeySessionKey:    c.current.key,
		storeKeyEstablishedAt: []byte(c.current.establishedAt.UTC().Format(time.RFC3339Nano)),
		storeKeyMessageCount:  []byte(strconv.FormatUint(c.current.messageCount, 10)),
	}
	for key, value := range fields {
		if err := c.store.Save(ctx, key, value); err != nil {
			c.log.Warn("Failed to persist session field",
				slog.String("key", key), "err", err)
		}
	}
}

// nonceCache is a bounded FIFO set of accepted envelope nonces.
type nonceCache struct {
	capacity int
	members  map[string]struct{}
	order    []string
}

func newNonceCache(capacity int) *nonceCache {
	return &nonceCache{capacity: capacity, members: make(map[string]struct{}, capacity)}
}

func (nc *nonceCache) seen(nonce []byte) bool {
	_, ok := nc.members[string(nonce)]
	return ok
}

func (nc *nonceCache) record(nonce []byte) {
	key := string(nonce)
	if _, ok := nc.members[key]; ok {
		return
	}
	if len(nc.order) >= nc.capacity {
		oldest := nc.order[0]
		nc.order = nc.order[1:]
		delete(nc.members, oldest)
	}
	nc.members[key] = struct{}{}
	nc.order = append(nc.order, key)
}
