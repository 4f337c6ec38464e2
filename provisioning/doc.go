// Package provisioning implements the enrollment-time handshake that binds
// a new app installation to an attested vault:
//
//	Connected → AttestationRequested → AttestationVerified → PinSubmitted
//	          → VaultReady → CredentialSubmitted → Verified
//
// with a terminal Failed phase any step can trip to. Transitions are
// strictly forward; calling an operation out of sequence is a recoverable
// protocol-state error that leaves the machine unchanged, while a timeout,
// verification failure, or vault rejection fails the whole handshake with a
// phase-tagged error.
//
// The attestation phase fails closed: the PIN is never encrypted, let alone
// transmitted, unless the document's signature, measurements, freshness,
// and nonce all verify and the extracted public key matches the plaintext
// copy in the response. PIN and password-hash delivery use the one-shot
// attestation-bound scheme, never the session AEAD; the final phase
// bootstraps the encrypted session and proves it works with a sealed echo
// round-trip before declaring success.
package provisioning
