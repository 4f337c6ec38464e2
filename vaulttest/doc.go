// Package vaulttest provides an in-process vault peer for tests and the CLI
// self-test command. It implements the vault side of every protocol
// operation over a Transport: session bootstrap and rotation, dummy
// attestation issuance, PIN acceptance, transaction-key issuance, credential
// creation, and the sealed echo. Misbehavior switches on Config drive the
// failure-path tests.
package vaulttest
