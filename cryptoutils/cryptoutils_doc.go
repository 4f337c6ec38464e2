// Package cryptoutils provides the cryptographic primitives for the vault
// session protocol: ephemeral X25519 key agreement and HKDF session-key
// derivation for bootstrap, the one-shot ECIES scheme for attestation-bound
// secret delivery, argon2id password hashing, and attestation document
// verification for the supported TEE platforms.
//
// # Key Exchange
//
// ExchangeKeyPair is a single-use X25519 keypair; SharedSecret plus
// DeriveSessionKey turn a peer's public key into the 32-byte
// ChaCha20-Poly1305 session key. The HKDF salt and info strings are fixed
// protocol constants shared with the vault side — changing either breaks
// compatibility with every deployed vault.
//
// # One-Shot Encryption
//
// EncryptToAttestedKey seals enrollment secrets (the PIN, the password hash)
// to a P-256 key extracted from attestation evidence or a transaction-key
// grant, using ECIES (ephemeral ECDH, SHA-256 KDF, AES-GCM) with a fresh
// ephemeral key per call. This channel is attestation-bound and deliberately
// independent of the session AEAD: compromising a session key never exposes
// enrollment material.
//
// # Password Hashing
//
// HashPassword encodes an argon2id derivation as a portable PHC string; the
// string is what gets encrypted to a transaction key during credential
// creation, so the vault stores a verifiable hash without ever seeing the
// password.
//
// # Attestation Verification
//
// VerifierRegistry selects among NitroVerifier (COSE_Sign1 documents signed
// under the AWS Nitro root), DCAPVerifier (TDX DCAP quotes via
// go-tdx-guest), and DummyVerifier (deterministic documents for tests and
// the in-process fake vault) by attestation type string. All verifiers fail
// closed on any signature, measurement, freshness, or nonce mismatch.
package cryptoutils
