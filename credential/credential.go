package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ruteri/attested-vault-client/interfaces"
	"github.com/ruteri/attested-vault-client/subject"
)

var (
	// ErrNoTransactionKeys is returned when a one-time key is needed but
	// none remain. The vault issues replacements with each consumption;
	// running dry means an enrollment flow was interrupted.
	ErrNoTransactionKeys = errors.New("no transaction keys available")

	// ErrInvalidCredential is returned when a credential blob cannot be
	// parsed or fails validation.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Credential is the blob the vault issues with the first bootstrap: the
// owner namespace plus the subject patterns this client may publish and
// subscribe under.
type Credential struct {
	Owner     interfaces.OwnerID          `json:"owner"`
	Publish   []interfaces.SubjectPattern `json:"publish"`
	Subscribe []interfaces.SubjectPattern `json:"subscribe"`
	IssuedAt  time.Time                   `json:"issued_at"`
}

// Parse decodes and validates a credential blob.
func Parse(blob []byte) (*Credential, error) {
	var cred Credential
	if err := json.Unmarshal(blob, &cred); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if err := cred.Owner.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if len(cred.Publish) == 0 && len(cred.Subscribe) == 0 {
		return nil, fmt.Errorf("%w: no permissions granted", ErrInvalidCredential)
	}
	return &cred, nil
}

// Encode serializes the credential for storage or sealing.
func (c *Credential) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Permissions returns the credential's patterns as a PermissionSet for the
// permission-checked transport.
func (c *Credential) Permissions() subject.PermissionSet {
	return subject.PermissionSet{Publish: c.Publish, Subscribe: c.Subscribe}
}

// TransactionKey is a single-use public key issued by the vault for
// encrypting exactly one sensitive payload.
type TransactionKey struct {
	KeyID     string                       `json:"key_id"`
	PublicKey interfaces.AttestedPublicKey `json:"public_key"`
}

// KeyRing tracks the vault-issued transaction keys: take one to use it,
// record the replacements the vault issues. Consumption is permanent; a
// taken key never returns to the ring.
type KeyRing struct {
	mu   sync.Mutex
	keys []TransactionKey
}

// NewKeyRing creates a ring holding the given keys.
func NewKeyRing(keys []TransactionKey) *KeyRing {
	ring := &KeyRing{}
	ring.keys = append(ring.keys, keys...)
	return ring
}

// Take removes and returns the oldest key. Each returned key must be used
// for exactly one payload.
func (r *KeyRing) Take() (TransactionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.keys) == 0 {
		return TransactionKey{}, ErrNoTransactionKeys
	}
	key := r.keys[0]
	r.keys = r.keys[1:]
	return key, nil
}

// Record appends replacement keys issued by the vault.
func (r *KeyRing) Record(replacements []TransactionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, replacements...)
}

// Remaining reports how many unused keys the ring holds.
func (r *KeyRing) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}
