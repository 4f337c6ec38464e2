// Package session implements the encrypted session between the app and the
// vault: the X25519 bootstrap key exchange, ChaCha20-Poly1305 envelope
// sealing and opening, the rotation policy, and the lifecycle orchestration
// over the request correlator.
//
// # Crypto
//
// Crypto owns all mutable session state behind a single mutex. Exactly one
// session is active per connection; the symmetric key exists if and only if
// the session id does. Seal draws a fresh random 12-byte nonce per envelope
// and refuses to seal once the rotation policy holds (1000 messages or 24
// hours). Open rejects envelopes for other sessions before touching any
// cryptography, remembers accepted nonces in a bounded window, and treats
// any authentication failure as fatal to the session.
//
// Session fields persist through the SecretStore collaborator on every
// establish and rotate; the message counter persists best-effort, since a
// stale count after a crash costs at most one premature rotation.
//
// # Lifecycle
//
// Lifecycle drives Crypto over the bus: Bootstrap and Rotate run the key
// exchange through the correlator with timeouts, Clear tears the session
// down, and Request/Send move sealed application payloads. Rotation keeps
// the session id and resets the counters; a rotation the vault rejects
// destroys the session.
package session
