package cryptoutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/attested-vault-client/interfaces"
)

func TestOneshotRoundTrip(t *testing.T) {
	keyPair, err := GenerateOneshotKeyPair()
	require.NoError(t, err, "one-shot keypair generation should succeed")

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "pin", data: []byte("483921")},
		{name: "password hash", data: []byte("$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA")},
		{name: "binary", data: []byte{0x00, 0x01, 0xFF, 0xFE}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ciphertext, err := EncryptToAttestedKey(keyPair.PublicKey(), tc.data)
			require.NoError(t, err, "encryption should succeed")
			assert.Greater(t, len(ciphertext), len(tc.data), "ciphertext carries ephemeral key and tag")

			plaintext, err := keyPair.Decrypt(ciphertext)
			require.NoError(t, err, "decryption should succeed")
			assert.Equal(t, tc.data, plaintext, "round trip must preserve plaintext")
		})
	}
}

func TestOneshotWrongRecipient(t *testing.T) {
	sender, err := GenerateOneshotKeyPair()
	require.NoError(t, err)
	other, err := GenerateOneshotKeyPair()
	require.NoError(t, err)

	ciphertext, err := EncryptToAttestedKey(sender.PublicKey(), []byte("secret"))
	require.NoError(t, err)

	_, err = other.Decrypt(ciphertext)
	assert.Error(t, err, "a different keypair must not decrypt the ciphertext")
}

func TestOneshotTamperDetection(t *testing.T) {
	keyPair, err := GenerateOneshotKeyPair()
	require.NoError(t, err)

	ciphertext, err := EncryptToAttestedKey(keyPair.PublicKey(), []byte("secret"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0x01
	_, err = keyPair.Decrypt(ciphertext)
	assert.Error(t, err, "tampered ciphertext must not decrypt")
}

func TestOneshotAcceptsStandardCurveKeys(t *testing.T) {
	keyPair, err := GenerateOneshotKeyPair()
	require.NoError(t, err)

	recipient := keyPair.PublicKey()
	require.Len(t, recipient, 65, "recipient key is an uncompressed P-256 point")
	_, err = recipient.ECDSA()
	require.NoError(t, err, "recipient key must parse as a standard-library P-256 key")

	ciphertext, err := EncryptToAttestedKey(recipient, []byte("483921"))
	require.NoError(t, err, "encryption to an attested P-256 key should succeed")

	plaintext, err := keyPair.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("483921"), plaintext)
}

func TestOneshotDecryptRejectsMalformedCiphertext(t *testing.T) {
	keyPair, err := GenerateOneshotKeyPair()
	require.NoError(t, err)

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "truncated length prefix", data: []byte{0x00}},
		{name: "length prefix exceeds payload", data: []byte{0x00, 0x41, 0x04}},
		{name: "invalid ephemeral point", data: append([]byte{0x00, 0x03}, make([]byte, 3+12)...)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := keyPair.Decrypt(tc.data)
			assert.Error(t, err, "malformed ciphertext must be rejected")
		})
	}
}

func TestEncryptToAttestedKeyRejectsBadKey(t *testing.T) {
	_, err := EncryptToAttestedKey(interfaces.AttestedPublicKey([]byte("not a point")), []byte("secret"))
	assert.Error(t, err, "malformed recipient key must be rejected")
}
