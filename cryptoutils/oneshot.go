package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/attested-vault-client/interfaces"
)

// The one-shot scheme carries secrets that must be readable before any
// session exists: the enrollment PIN encrypted to the attestation-verified
// vault key, and the password hash encrypted to a single-use transaction
// key. It is ECIES over P-256 (ephemeral ECDH, SHA-256 KDF, AES-GCM), and
// is deliberately distinct from the session AEAD so that compromising a
// session key never exposes enrollment material.
//
// Wire format: [ephemeral key length (2 bytes)][ephemeral key][nonce][ciphertext].
// The ephemeral key is an uncompressed P-256 point; the nonce is the
// standard 12-byte GCM nonce.

// oneshotNonceSize is the GCM nonce length used by the one-shot scheme.
const oneshotNonceSize = 12

// EncryptToAttestedKey seals plaintext to a recipient public key obtained
// from attestation evidence or a transaction-key grant. A fresh ephemeral
// keypair is generated per call, providing forward secrecy.
func EncryptToAttestedKey(recipient interfaces.AttestedPublicKey, plaintext []byte) ([]byte, error) {
	publicKey, err := recipient.ECDSA()
	if err != nil {
		return nil, fmt.Errorf("invalid recipient key: %w", err)
	}

	ephemeralKey, err := ecdsa.GenerateKey(publicKey.Curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	x, _ := publicKey.Curve.ScalarMult(publicKey.X, publicKey.Y, ephemeralKey.D.Bytes())
	sharedSecret := sha256.Sum256(x.Bytes())

	nonce := make([]byte, oneshotNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	aesGCM, err := newOneshotAEAD(sharedSecret[:])
	if err != nil {
		return nil, err
	}
	ciphertext := aesGCM.Seal(nil, nonce, plaintext, nil)

	ephemeralKeyBytes := elliptic.Marshal(ephemeralKey.Curve, ephemeralKey.X, ephemeralKey.Y)

	result := make([]byte, 2+len(ephemeralKeyBytes)+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(result[0:2], uint16(len(ephemeralKeyBytes)))
	copy(result[2:2+len(ephemeralKeyBytes)], ephemeralKeyBytes)
	copy(result[2+len(ephemeralKeyBytes):2+len(ephemeralKeyBytes)+len(nonce)], nonce)
	copy(result[2+len(ephemeralKeyBytes)+len(nonce):], ciphertext)

	return result, nil
}

// OneshotKeyPair is the recipient side of the one-shot scheme. The vault
// holds one for its attested key and one per issued transaction key; this
// client only generates them for tests and the in-process fake vault.
type OneshotKeyPair struct {
	privateKey *ecdsa.PrivateKey
}

// GenerateOneshotKeyPair creates a fresh P-256 recipient keypair.
func GenerateOneshotKeyPair() (*OneshotKeyPair, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate one-shot key: %w", err)
	}
	return &OneshotKeyPair{privateKey: privateKey}, nil
}

// PublicKey returns the recipient key as an uncompressed P-256 point, the
// form carried in attestation documents and transaction-key grants.
func (kp *OneshotKeyPair) PublicKey() interfaces.AttestedPublicKey {
	return interfaces.AttestedPublicKey(elliptic.Marshal(kp.privateKey.Curve, kp.privateKey.X, kp.privateKey.Y))
}

// Decrypt opens a ciphertext produced by EncryptToAttestedKey.
func (kp *OneshotKeyPair) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 2 {
		return nil, errors.New("one-shot ciphertext too short")
	}

	ephemeralKeyLen := int(binary.BigEndian.Uint16(ciphertext[0:2]))
	if len(ciphertext) < 2+ephemeralKeyLen+oneshotNonceSize {
		return nil, errors.New("one-shot ciphertext has invalid format")
	}

	ephemeralKeyBytes := ciphertext[2 : 2+ephemeralKeyLen]
	x, y := elliptic.Unmarshal(kp.privateKey.Curve, ephemeralKeyBytes)
	if x == nil {
		return nil, errors.New("one-shot ciphertext carries an invalid ephemeral key")
	}

	xShared, _ := kp.privateKey.Curve.ScalarMult(x, y, kp.privateKey.D.Bytes())
	sharedSecret := sha256.Sum256(xShared.Bytes())

	nonceStart := 2 + ephemeralKeyLen
	nonce := ciphertext[nonceStart : nonceStart+oneshotNonceSize]

	aesGCM, err := newOneshotAEAD(sharedSecret[:])
	if err != nil {
		return nil, err
	}

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext[nonceStart+oneshotNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("one-shot decryption failed: %w", err)
	}
	return plaintext, nil
}

func newOneshotAEAD(key []byte) (cipher.AEAD, error) {
	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}
