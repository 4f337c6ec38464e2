package cryptoutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/attested-vault-client/interfaces"
)

func TestExchangeKeyAgreement(t *testing.T) {
	appKeyPair, err := GenerateExchangeKeyPair()
	require.NoError(t, err, "app keypair generation should succeed")

	vaultKeyPair, err := GenerateExchangeKeyPair()
	require.NoError(t, err, "vault keypair generation should succeed")

	appSecret, err := appKeyPair.SharedSecret(vaultKeyPair.PublicKey)
	require.NoError(t, err, "app side key agreement should succeed")

	vaultSecret, err := vaultKeyPair.SharedSecret(appKeyPair.PublicKey)
	require.NoError(t, err, "vault side key agreement should succeed")

	assert.Equal(t, appSecret, vaultSecret, "both parties must derive the same shared secret")

	appKey, err := DeriveSessionKey(appSecret)
	require.NoError(t, err)
	vaultKey, err := DeriveSessionKey(vaultSecret)
	require.NoError(t, err)

	assert.Equal(t, appKey, vaultKey, "derived session keys must be byte identical")
	assert.Len(t, appKey, interfaces.SessionKeySize, "session key must be 32 bytes")
}

func TestExchangeKeyPairUniqueness(t *testing.T) {
	first, err := GenerateExchangeKeyPair()
	require.NoError(t, err)
	second, err := GenerateExchangeKeyPair()
	require.NoError(t, err)

	assert.False(t, first.PublicKey.Equal(second.PublicKey), "fresh keypairs must not repeat")
}

func TestSharedSecretRejectsBadPeerKeys(t *testing.T) {
	keyPair, err := GenerateExchangeKeyPair()
	require.NoError(t, err)

	_, err = keyPair.SharedSecret(interfaces.ExchangePublicKey([]byte("short")))
	assert.ErrorIs(t, err, interfaces.ErrInvalidPublicKey, "wrong-length peer key must be rejected")

	// The all-zero point is low order and yields an all-zero secret.
	_, err = keyPair.SharedSecret(make(interfaces.ExchangePublicKey, interfaces.ExchangePublicKeySize))
	assert.ErrorIs(t, err, interfaces.ErrInvalidPublicKey, "low-order peer key must be rejected")
}

func TestDeriveSessionKeyRejectsEmptySecret(t *testing.T) {
	_, err := DeriveSessionKey(nil)
	assert.Error(t, err, "empty shared secret must be rejected")
}

func TestDeriveSessionKeyDeterministic(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")

	first, err := DeriveSessionKey(secret)
	require.NoError(t, err)
	second, err := DeriveSessionKey(secret)
	require.NoError(t, err)

	assert.Equal(t, first, second, "derivation must be deterministic for a fixed secret")
}
