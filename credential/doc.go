// Package credential handles the artifacts the vault issues to an enrolled
// client: the credential blob carrying the owner namespace and subject
// permissions, the ring of single-use transaction keys, and offline
// recovery kits.
//
// A transaction key encrypts exactly one sensitive payload (the password
// hash during credential creation); KeyRing enforces take-once semantics
// and records the replacement keys the vault issues with each response.
//
// A RecoveryKit seals the credential with age to a throwaway identity and
// splits that identity into Shamir shares, so recovery requires a threshold
// of custodians rather than a single backup file.
package credential
