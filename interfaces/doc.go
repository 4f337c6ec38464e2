// Package interfaces defines core interfaces and types for the vault session
// client, separating contract definitions from implementations.
//
// The package provides the collaborator contracts consumed by the session
// and provisioning layers:
//
// # Transport
//
// Transport: The untrusted topic-addressed publish/subscribe bus. Provides
// delivery only; all confidentiality and integrity comes from the envelope
// encryption layered on top. Subjects are dot-separated token strings,
// subscription patterns support "*" and trailing ">" wildcards.
//
// # Secret Storage
//
// SecretStore: Opaque key-value persistence for session state and
// credentials (platform keychain, encrypted file, remote vault). Only
// save/load/delete semantics are relied upon.
//
// # Attestation
//
// AttestationVerifier: Validates a remote attestation document against an
// expected measurement policy and freshness nonce, extracting the public
// key the document binds. Verification fails closed.
//
// # Identity and Key Types
//
// The package also defines the core protocol types:
//
//   - OwnerID, DeviceID, SessionID: namespace and identity tokens
//   - Subject, SubjectPattern: bus addressing
//   - ExchangePublicKey: 32-byte X25519 bootstrap key
//   - SessionKey: 32-byte derived AEAD key
//   - AttestedPublicKey: P-256 point extracted from attestation evidence
//   - Measurements: expected or observed measurement registers
package interfaces
