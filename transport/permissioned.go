package transport

import (
	"context"
	"fmt"

	"github.com/ruteri/attested-vault-client/interfaces"
	"github.com/ruteri/attested-vault-client/subject"
)

// PermissionedTransport wraps a Transport with a credential's permission
// set, rejecting publishes and subscriptions the credential does not cover.
// The check is advisory — the bus enforces the authoritative permissions
// server-side — but failing locally gives the caller an immediate,
// attributable error instead of silence from a dropped message.
type PermissionedTransport struct {
	inner       interfaces.Transport
	permissions subject.PermissionSet
}

// NewPermissionedTransport wraps a transport with permission checks.
func NewPermissionedTransport(inner interfaces.Transport, permissions subject.PermissionSet) *PermissionedTransport {
	return &PermissionedTransport{inner: inner, permissions: permissions}
}

// Publish checks the subject against the credential's publish patterns
// before delegating.
func (t *PermissionedTransport) Publish(ctx context.Context, subj interfaces.Subject, payload []byte) error {
	if !t.permissions.CanPublish(subj) {
		return fmt.Errorf("%w: publish to %q", interfaces.ErrNotPermitted, subj)
	}
	return t.inner.Publish(ctx, subj, payload)
}

// Subscribe checks the pattern against the credential's subscribe patterns
// before delegating.
func (t *PermissionedTransport) Subscribe(ctx context.Context, pattern interfaces.SubjectPattern) (<-chan interfaces.InboundMessage, error) {
	if !t.permissions.CanSubscribe(pattern) {
		return nil, fmt.Errorf("%w: subscribe to %q", interfaces.ErrNotPermitted, pattern)
	}
	return t.inner.Subscribe(ctx, pattern)
}

// Unsubscribe delegates without a permission check; removing interest is
// always allowed.
func (t *PermissionedTransport) Unsubscribe(pattern interfaces.SubjectPattern) error {
	return t.inner.Unsubscribe(pattern)
}
