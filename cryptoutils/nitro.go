package cryptoutils

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ruteri/attested-vault-client/interfaces"
)

// nitroFreshnessWindow is how old a document timestamp may be before the
// document is rejected as stale. The nonce already defeats replay across
// handshakes; the window additionally bounds clock skew abuse.
const nitroFreshnessWindow = 5 * time.Minute

// coseSign1 is the COSE_Sign1 framing a nitro attestation document arrives
// in: a CBOR array of protected headers, unprotected headers, payload, and
// signature.
type coseSign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected cbor.RawMessage
	Payload     []byte
	Signature   []byte
}

// nitroDocument is the CBOR payload of the COSE_Sign1 message.
type nitroDocument struct {
	ModuleID    string         `cbor:"module_id"`
	Digest      string         `cbor:"digest"`
	Timestamp   uint64         `cbor:"timestamp"`
	PCRs        map[int][]byte `cbor:"pcrs"`
	Certificate []byte         `cbor:"certificate"`
	CABundle    [][]byte       `cbor:"cabundle"`
	PublicKey   []byte         `cbor:"public_key,omitempty"`
	UserData    []byte         `cbor:"user_data,omitempty"`
	Nonce       []byte         `cbor:"nonce,omitempty"`
}

// NitroVerifier verifies AWS Nitro Enclave attestation documents: COSE_Sign1
// messages signed with ES384 by a certificate chaining to the configured
// root pool. Every check fails closed.
type NitroVerifier struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NewNitroVerifier creates a verifier trusting the given root certificates.
// The pool should normally contain only the AWS Nitro attestation root.
func NewNitroVerifier(roots *x509.CertPool) *NitroVerifier {
	return &NitroVerifier{roots: roots, now: time.Now}
}

// AttestationType returns the nitro format identifier.
func (v *NitroVerifier) AttestationType() string { return NitroAttestation }

// Verify checks the document signature, certificate chain, timestamp
// freshness, PCR measurements, and nonce, and extracts the bound public key.
func (v *NitroVerifier) Verify(document []byte, expected interfaces.Measurements, nonce []byte) (interfaces.AttestedPublicKey, error) {
	var envelope coseSign1
	if err := cbor.Unmarshal(document, &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed COSE_Sign1: %v", interfaces.ErrAttestationFailed, err)
	}

	var payload nitroDocument
	if err := cbor.Unmarshal(envelope.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed attestation payload: %v", interfaces.ErrAttestationFailed, err)
	}

	signingKey, err := v.verifyCertificateChain(&payload)
	if err != nil {
		return nil, err
	}

	if err := verifyCOSESignature(&envelope, signingKey); err != nil {
		return nil, err
	}

	documentTime := time.UnixMilli(int64(payload.Timestamp))
	age := v.now().Sub(documentTime)
	if age > nitroFreshnessWindow || age < -nitroFreshnessWindow {
		return nil, fmt.Errorf("%w: document timestamp %s outside freshness window", interfaces.ErrAttestationFailed, documentTime.UTC().Format(time.RFC3339))
	}

	if !bytes.Equal(payload.Nonce, nonce) {
		return nil, fmt.Errorf("%w: nonce mismatch", interfaces.ErrAttestationFailed)
	}

	observed := make(interfaces.Measurements, len(payload.PCRs))
	for register, value := range payload.PCRs {
		observed[register] = hex.EncodeToString(value)
	}
	if err := expected.Verify(observed); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAttestationFailed, err)
	}

	publicKey, err := interfaces.NewAttestedPublicKey(payload.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: document public key: %v", interfaces.ErrAttestationFailed, err)
	}
	return publicKey, nil
}

// verifyCertificateChain validates the document's leaf certificate against
// the CA bundle and the trusted roots and returns the leaf's ECDSA key.
func (v *NitroVerifier) verifyCertificateChain(payload *nitroDocument) (*ecdsa.PublicKey, error) {
	leaf, err := x509.ParseCertificate(payload.Certificate)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid signing certificate: %v", interfaces.ErrAttestationFailed, err)
	}

	intermediates := x509.NewCertPool()
	for _, der := range payload.CABundle {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid CA bundle certificate: %v", interfaces.ErrAttestationFailed, err)
		}
		intermediates.AddCert(cert)
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := leaf.Verify(opts); err != nil {
		return nil, fmt.Errorf("%w: certificate chain verification failed: %v", interfaces.ErrAttestationFailed, err)
	}

	signingKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: signing certificate key is not ECDSA", interfaces.ErrAttestationFailed)
	}
	return signingKey, nil
}

// verifyCOSESignature checks the ES384 signature over the COSE Sig_structure
// for the Signature1 context.
func verifyCOSESignature(envelope *coseSign1, signingKey *ecdsa.PublicKey) error {
	sigStructure, err := cbor.Marshal([]interface{}{
		"Signature1",
		envelope.Protected,
		[]byte{},
		envelope.Payload,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to encode Sig_structure: %v", interfaces.ErrAttestationFailed, err)
	}

	digest := sha512.Sum384(sigStructure)

	keySize := (signingKey.Curve.Params().BitSize + 7) / 8
	if len(envelope.Signature) != 2*keySize {
		return fmt.Errorf("%w: signature length %d, expected %d", interfaces.ErrAttestationFailed, len(envelope.Signature), 2*keySize)
	}

	r := new(big.Int).SetBytes(envelope.Signature[:keySize])
	s := new(big.Int).SetBytes(envelope.Signature[keySize:])
	if !ecdsa.Verify(signingKey, digest[:], r, s) {
		return fmt.Errorf("%w: COSE signature verification failed", interfaces.ErrAttestationFailed)
	}
	return nil
}
