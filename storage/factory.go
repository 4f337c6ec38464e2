package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ruteri/attested-vault-client/interfaces"
)

// StoreFactory creates SecretStore backends from URI strings, so callers
// configure persistence with a single flag.
type StoreFactory struct {
	log *slog.Logger
}

// NewStoreFactory creates a factory. A nil logger falls back to
// slog.Default.
func NewStoreFactory(log *slog.Logger) *StoreFactory {
	if log == nil {
		log = slog.Default()
	}
	return &StoreFactory{log: log}
}

// StoreFor creates a secret store from a location URI.
//
// Supported schemes:
//   - memory:// — in-process, non-persistent (tests, self-test)
//   - file:///path/to/dir — one 0600 file per key
//   - vault://host:port/mount/prefix?token=...&tls=false — KV v2
//   - s3://bucket/prefix?region=...&endpoint=...&access_key=...&secret_key=...
func (f *StoreFactory) StoreFor(locationURI string) (interfaces.SecretStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid store URI %q: %w", locationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(u.Path, f.log)
	case "vault":
		return f.createVaultStore(u)
	case "s3":
		return f.createS3Store(u)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", u.Scheme)
	}
}

// createVaultStore parses vault://host:port/mount/prefix?token=...
func (f *StoreFactory) createVaultStore(u *url.URL) (interfaces.SecretStore, error) {
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid vault URI, expected vault://host:port/mount/prefix")
	}

	scheme := "https"
	if u.Query().Get("tls") == "false" {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, u.Host)

	return NewVaultStore(address, u.Query().Get("token"), parts[0], parts[1], f.log)
}

// createS3Store parses s3://bucket/prefix?region=...
func (f *StoreFactory) createS3Store(u *url.URL) (interfaces.SecretStore, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("invalid s3 URI, expected s3://bucket/prefix")
	}

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(u.Host, strings.Trim(u.Path, "/"), region,
		query.Get("endpoint"), query.Get("access_key"), query.Get("secret_key"), f.log)
}
