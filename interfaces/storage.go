package interfaces

import (
	"context"
	"errors"
)

var (
	// ErrSecretNotFound is returned when a requested secret does not exist
	// in the store.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrStoreUnavailable is returned when a secret store backend is not
	// accessible. This could be due to network issues, authentication
	// failures, or service outages.
	ErrStoreUnavailable = errors.New("secret store unavailable")
)

// SecretStore is the opaque persistence collaborator for session state and
// credentials. The platform's secure storage (keychain, TPM-backed file,
// remote vault) sits behind this contract; the client only relies on
// save/load/delete semantics under stable keys.
//
// Deleting an absent key is not an error. Implementations must be safe for
// concurrent use.
type SecretStore interface {
	// Save stores a value under a key, overwriting any previous value.
	Save(ctx context.Context, key string, value []byte) error

	// Load retrieves the value stored under a key. Returns
	// ErrSecretNotFound if the key does not exist.
	Load(ctx context.Context, key string) ([]byte, error)

	// Delete removes the value stored under a key, if present.
	Delete(ctx context.Context, key string) error
}
