package provisioning

import "github.com/ruteri/attested-vault-client/credential"

// Operation tokens for the enrollment subjects.
const (
	AttestationOperation = "requestAttestation"
	PinOperation         = "submitPin"
	CredentialOperation  = "createCredential"
	VaultReadyOperation  = "vaultReady"
)

// attestationNonceSize is the length of the freshness nonce bound into the
// attestation document.
const attestationNonceSize = 32

// Status values carried in vault acknowledgments.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// AttestationRequest asks the vault to produce an attestation document
// bound to a fresh nonce.
type AttestationRequest struct {
	RequestID string `json:"request_id"`
	Nonce     []byte `json:"nonce"`
}

// AttestationResponse carries the document plus a plaintext copy of the
// attested public key. The copy must match the key the verifier extracts
// from the document byte for byte, or the handshake aborts.
type AttestationResponse struct {
	RequestID           string `json:"request_id"`
	AttestationType     string `json:"attestation_type"`
	AttestationDocument []byte `json:"attestation_document"`
	PublicKey           []byte `json:"public_key"`
}

// PinRequest delivers the PIN encrypted to the attested key.
type PinRequest struct {
	RequestID    string `json:"request_id"`
	EncryptedPin []byte `json:"encrypted_pin"`
}

// Ack is the generic vault acknowledgment.
type Ack struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// VaultReadyEvent announces that the vault has accepted the PIN and is
// ready for credential creation. It carries no request id; the app matches
// it by subject alone.
type VaultReadyEvent struct {
	TransactionKeys []credential.TransactionKey `json:"transaction_keys"`
}

// CredentialRequest delivers the password hash encrypted to a single-use
// transaction key, named by its id so the vault knows which private key
// opens it.
type CredentialRequest struct {
	RequestID           string `json:"request_id"`
	KeyID               string `json:"key_id"`
	EncryptedCredential []byte `json:"encrypted_credential"`
}

// CredentialResponse acknowledges credential creation, optionally issuing
// replacement transaction keys.
type CredentialResponse struct {
	RequestID       string                      `json:"request_id"`
	Status          string                      `json:"status"`
	Message         string                      `json:"message,omitempty"`
	ReplacementKeys []credential.TransactionKey `json:"replacement_keys,omitempty"`
}
