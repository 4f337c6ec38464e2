package interfaces

import (
	"context"
	"errors"
)

var (
	// ErrTransportClosed is returned when publishing or subscribing on a
	// transport that has been shut down.
	ErrTransportClosed = errors.New("transport closed")

	// ErrNotPermitted is returned by permission-checking transports when a
	// subject is not covered by the credential's patterns.
	ErrNotPermitted = errors.New("subject not permitted")
)

// InboundMessage is a single message delivered by a subscription.
type InboundMessage struct {
	Subject Subject
	Payload []byte
}

// Transport is the topic-addressed publish/subscribe bus the session
// protocol runs over. The transport is untrusted: it provides delivery only,
// never confidentiality or integrity. Implementations must be safe for
// concurrent use.
//
// Message delivery is fire-and-forget and unordered. Subscriptions use
// subject patterns with "*" (one token) and trailing ">" (any remainder)
// wildcards.
type Transport interface {
	// Publish sends a payload to a concrete subject.
	Publish(ctx context.Context, subject Subject, payload []byte) error

	// Subscribe registers interest in a subject pattern and returns the
	// stream of matching messages. The channel is closed when the
	// subscription ends.
	Subscribe(ctx context.Context, pattern SubjectPattern) (<-chan InboundMessage, error)

	// Unsubscribe removes a previously registered subscription.
	Unsubscribe(pattern SubjectPattern) error
}
