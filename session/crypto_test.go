package session

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ruteri/attested-vault-client/cryptoutils"
	"github.com/ruteri/attested-vault-client/interfaces"
	"github.com/ruteri/attested-vault-client/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// completeExchange plays the vault's half of a pending key exchange and
// returns the vault-side AEAD plus the response to feed back.
func completeExchange(t *testing.T, appKey interfaces.ExchangePublicKey, sessionID string) (cipher.AEAD, BootstrapResponse) {
	t.Helper()

	vaultPair, err := cryptoutils.GenerateExchangeKeyPair()
	require.NoError(t, err, "vault keypair should generate")

	sharedSecret, err := vaultPair.SharedSecret(appKey)
	require.NoError(t, err, "shared secret should derive")
	sessionKey, err := cryptoutils.DeriveSessionKey(sharedSecret)
	require.NoError(t, err)
	aead, err := chacha20poly1305.New(sessionKey)
	require.NoError(t, err)

	return aead, BootstrapResponse{
		RequestID:      "r1",
		VaultPublicKey: vaultPair.PublicKey.Bytes(),
		SessionID:      sessionID,
	}
}

// establishSession bootstraps a session against an emulated vault peer and
// returns the client crypto plus the vault-side AEAD for interop checks.
func establishSession(t *testing.T, store interfaces.SecretStore) (*Crypto, cipher.AEAD) {
	t.Helper()

	c := NewCrypto(store, discardLogger())
	appKey, err := c.InitiateBootstrap()
	require.NoError(t, err)

	aead, response := completeExchange(t, appKey, "sess-test")
	require.NoError(t, c.CompleteBootstrap(context.Background(), response))
	return c, aead
}

func vaultSeal(t *testing.T, aead cipher.AEAD, sessionID string, plaintext []byte) *Envelope {
	t.Helper()
	nonce := make([]byte, NonceSize)
	_, err := rand.Read(nonce)
	require.NoError(t, err)
	return &Envelope{
		Version:    EnvelopeVersion,
		SessionID:  sessionID,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
		Nonce:      nonce,
	}
}

func TestSealOpenInterop(t *testing.T) {
	c, vaultAEAD := establishSession(t, storage.NewMemoryStore())

	envelope, err := c.Seal(context.Background(), []byte("to the vault"))
	require.NoError(t, err)
	assert.Equal(t, "sess-test", envelope.SessionID)
	assert.Len(t, envelope.Nonce, NonceSize)

	plaintext, err := vaultAEAD.Open(nil, envelope.Nonce, envelope.Ciphertext, nil)
	require.NoError(t, err, "vault should open the client's envelope")
	assert.Equal(t, []byte("to the vault"), plaintext)

	response := vaultSeal(t, vaultAEAD, "sess-test", []byte("to the app"))
	opened, err := c.Open(response)
	require.NoError(t, err, "client should open the vault's envelope")
	assert.Equal(t, []byte("to the app"), opened)
}

func TestSealGeneratesDistinctNonces(t *testing.T) {
	c, _ := establishSession(t, storage.NewMemoryStore())

	first, err := c.Seal(context.Background(), []byte("same"))
	require.NoError(t, err)
	second, err := c.Seal(context.Background(), []byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, first.Nonce, second.Nonce)
	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	c, vaultAEAD := establishSession(t, storage.NewMemoryStore())

	envelope := vaultSeal(t, vaultAEAD, "sess-test", []byte("payload"))
	envelope.Ciphertext[0] ^= 0xff

	_, err := c.Open(envelope)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestOpenRejectsForeignSession(t *testing.T) {
	c, vaultAEAD := establishSession(t, storage.NewMemoryStore())

	envelope := vaultSeal(t, vaultAEAD, "sess-other", []byte("payload"))
	_, err := c.Open(envelope)
	require.ErrorIs(t, err, ErrSessionMismatch)
}

func TestOpenRejectsReplay(t *testing.T) {
	c, vaultAEAD := establishSession(t, storage.NewMemoryStore())

	envelope := vaultSeal(t, vaultAEAD, "sess-test", []byte("once"))
	_, err := c.Open(envelope)
	require.NoError(t, err)

	_, err = c.Open(envelope)
	require.ErrorIs(t, err, ErrReplayDetected, "a replayed nonce must be rejected")
}

func TestOpenWithoutSession(t *testing.T) {
	c := NewCrypto(storage.NewMemoryStore(), discardLogger())
	_, err := c.Open(&Envelope{Version: EnvelopeVersion, Nonce: make([]byte, NonceSize), Ciphertext: make([]byte, TagSize)})
	require.ErrorIs(t, err, ErrNoSession)

	_, err = c.Seal(context.Background(), []byte("x"))
	require.ErrorIs(t, err, ErrNoSession)
}

func TestSealEnforcesMessageLimit(t *testing.T) {
	c, _ := establishSession(t, storage.NewMemoryStore())

	c.mu.Lock()
	c.current.messageCount = RotationMessageLimit - 1
	c.mu.Unlock()

	_, err := c.Seal(context.Background(), []byte("last one under the limit"))
	require.NoError(t, err)
	assert.True(t, c.ShouldRotate(), "policy should hold at the message limit")

	_, err = c.Seal(context.Background(), []byte("over the limit"))
	require.ErrorIs(t, err, ErrKeyRotationRequired)
}

func TestSealEnforcesMaxAge(t *testing.T) {
	c, _ := establishSession(t, storage.NewMemoryStore())

	c.now = func() time.Time { return time.Now().Add(RotationMaxAge + time.Minute) }
	assert.True(t, c.ShouldRotate(), "policy should hold past the max age")

	_, err := c.Seal(context.Background(), []byte("stale session"))
	require.ErrorIs(t, err, ErrKeyRotationRequired)
}

func TestExchangeIsSingleFlight(t *testing.T) {
	c := NewCrypto(storage.NewMemoryStore(), discardLogger())

	_, err := c.InitiateBootstrap()
	require.NoError(t, err)

	_, err = c.InitiateBootstrap()
	require.ErrorIs(t, err, ErrBootstrapInProgress)

	c.AbortExchange()
	_, err = c.InitiateBootstrap()
	require.NoError(t, err, "a fresh exchange should start after abort")
}

func TestRotationPreservesSessionID(t *testing.T) {
	c, oldAEAD := establishSession(t, storage.NewMemoryStore())

	appKey, sessionID, err := c.InitiateRotation()
	require.NoError(t, err)
	assert.Equal(t, interfaces.SessionID("sess-test"), sessionID)

	newAEAD, response := completeExchange(t, appKey, sessionID.String())
	require.NoError(t, c.CompleteRotation(context.Background(), response))

	id, _, messageCount, ok := c.Status()
	require.True(t, ok)
	assert.Equal(t, interfaces.SessionID("sess-test"), id, "rotation must not change the session id")
	assert.Zero(t, messageCount, "rotation resets the message counter")

	envelope, err := c.Seal(context.Background(), []byte("under the new key"))
	require.NoError(t, err)

	_, err = oldAEAD.Open(nil, envelope.Nonce, envelope.Ciphertext, nil)
	require.Error(t, err, "the retired key must not open post-rotation envelopes")

	plaintext, err := newAEAD.Open(nil, envelope.Nonce, envelope.Ciphertext, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("under the new key"), plaintext)
}

func TestRejectedRotationDestroysSession(t *testing.T) {
	store := storage.NewMemoryStore()
	c, _ := establishSession(t, store)

	appKey, _, err := c.InitiateRotation()
	require.NoError(t, err)

	_, response := completeExchange(t, appKey, "sess-imposter")
	err = c.CompleteRotation(context.Background(), response)
	require.ErrorIs(t, err, ErrRotationRejected)

	_, ok := c.SessionID()
	assert.False(t, ok, "a rejected rotation destroys the session")

	_, err = store.Load(context.Background(), storeKeySessionKey)
	require.ErrorIs(t, err, interfaces.ErrSecretNotFound, "persisted key material must be deleted")
}

func TestRotationWithoutSession(t *testing.T) {
	c := NewCrypto(storage.NewMemoryStore(), discardLogger())
	_, _, err := c.InitiateRotation()
	require.ErrorIs(t, err, ErrNoSession)
}

func TestRestoreResumesPersistedSession(t *testing.T) {
	store := storage.NewMemoryStore()
	c, vaultAEAD := establishSession(t, store)

	_, err := c.Seal(context.Background(), []byte("counted"))
	require.NoError(t, err)

	restored := NewCrypto(store, discardLogger())
	require.NoError(t, restored.Restore(context.Background()))

	id, _, messageCount, ok := restored.Status()
	require.True(t, ok, "session should survive a restart")
	assert.Equal(t, interfaces.SessionID("sess-test"), id)
	assert.Equal(t, uint64(1), messageCount)

	envelope, err := restored.Seal(context.Background(), []byte("after restart"))
	require.NoError(t, err)
	plaintext, err := vaultAEAD.Open(nil, envelope.Nonce, envelope.Ciphertext, nil)
	require.NoError(t, err, "the restored key must interoperate with the peer")
	assert.Equal(t, []byte("after restart"), plaintext)
}

func TestRestoreEmptyStore(t *testing.T) {
	c := NewCrypto(storage.NewMemoryStore(), discardLogger())
	require.NoError(t, c.Restore(context.Background()))

	_, ok := c.SessionID()
	assert.False(t, ok)
}

func TestRestoreClearsPartialRecord(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), storeKeySessionID, []byte("sess-orphan")))

	c := NewCrypto(store, discardLogger())
	require.NoError(t, c.Restore(context.Background()))

	_, ok := c.SessionID()
	assert.False(t, ok, "an id without a key is not a session")

	_, err := store.Load(context.Background(), storeKeySessionID)
	require.ErrorIs(t, err, interfaces.ErrSecretNotFound, "the orphaned field must be cleaned up")
}

func TestClearRemovesSessionAndPersistedFields(t *testing.T) {
	store := storage.NewMemoryStore()
	c, _ := establishSession(t, store)

	c.Clear(context.Background())

	_, ok := c.SessionID()
	assert.False(t, ok)
	for _, key := range []string{storeKeySessionID, storeKeySessionKey, storeKeyEstablishedAt, storeKeyMessageCount} {
		_, err := store.Load(context.Background(), key)
		require.ErrorIs(t, err, interfaces.ErrSecretNotFound, "field %s should be deleted", key)
	}
}
