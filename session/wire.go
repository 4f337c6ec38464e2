package session

import (
	"time"

	"github.com/ruteri/attested-vault-client/interfaces"
)

// Operation tokens for the session lifecycle subjects.
const (
	BootstrapOperation = "bootstrapSession"
	RotateOperation    = "rotateSession"
	EchoOperation      = "echo"
)

// BootstrapRequest is the app-originated key-exchange request. Rotation
// reuses the same shape with SessionID set to the live session being
// re-keyed.
type BootstrapRequest struct {
	RequestID    string `json:"request_id"`
	AppPublicKey []byte `json:"app_public_key"`
	DeviceID     string `json:"device_id"`
	Timestamp    string `json:"timestamp"`
	SessionID    string `json:"session_id,omitempty"`
}

// BootstrapResponse is the vault's half of the key exchange. For rotation
// responses SessionID must echo the live session id. Credentials is an
// opaque blob issued on first bootstrap only.
type BootstrapResponse struct {
	RequestID      string `json:"request_id"`
	VaultPublicKey []byte `json:"vault_public_key"`
	SessionID      string `json:"session_id"`
	Credentials    []byte `json:"credentials,omitempty"`
}

// newBootstrapRequest stamps a request with the current time in RFC 3339.
func newBootstrapRequest(requestID string, publicKey interfaces.ExchangePublicKey, deviceID interfaces.DeviceID, sessionID interfaces.SessionID) BootstrapRequest {
	return BootstrapRequest{
		RequestID:    requestID,
		AppPublicKey: publicKey.Bytes(),
		DeviceID:     deviceID.String(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		SessionID:    sessionID.String(),
	}
}

// EchoBody is the plaintext of the sealed echo round-trip used to confirm a
// fully established channel end to end.
type EchoBody struct {
	RequestID string `json:"request_id"`
	Payload   string `json:"payload"`
}
