package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ruteri/attested-vault-client/interfaces"
	"github.com/ruteri/attested-vault-client/subject"
)

// subscriberBuffer is the per-subscription channel capacity. A subscriber
// that falls this far behind starts losing messages, mirroring the at-most-
// once delivery of the real bus.
const subscriberBuffer = 64

// MemoryBus is an in-process Transport for tests, the self-test command, and
// local development. It implements the same wildcard subscription semantics
// as the production bus but delivers synchronously within the process.
type MemoryBus struct {
	log *slog.Logger

	mu     sync.Mutex
	subs   []*memorySubscription
	closed bool
}

type memorySubscription struct {
	pattern interfaces.SubjectPattern
	ch      chan interfaces.InboundMessage
}

// NewMemoryBus creates an empty in-process bus. A nil logger falls back to
// slog.Default.
func NewMemoryBus(log *slog.Logger) *MemoryBus {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryBus{log: log}
}

// Publish delivers the payload to every subscription whose pattern matches
// the subject. Delivery to a full subscriber drops the message with a
// warning rather than blocking the publisher.
func (b *MemoryBus) Publish(_ context.Context, subj interfaces.Subject, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return interfaces.ErrTransportClosed
	}

	for _, sub := range b.subs {
		if !subject.Matches(sub.pattern, subj) {
			continue
		}

		// Copy so a subscriber cannot observe later mutations by the
		// publisher.
		msg := interfaces.InboundMessage{Subject: subj, Payload: append([]byte(nil), payload...)}
		select {
		case sub.ch <- msg:
		default:
			b.log.Warn("Dropping message for slow subscriber",
				slog.String("subject", subj.String()),
				slog.String("pattern", sub.pattern.String()))
		}
	}
	return nil
}

// Subscribe registers a pattern and returns its delivery channel. The
// channel closes on Unsubscribe or Close.
func (b *MemoryBus) Subscribe(_ context.Context, pattern interfaces.SubjectPattern) (<-chan interfaces.InboundMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, interfaces.ErrTransportClosed
	}

	sub := &memorySubscription{
		pattern: pattern,
		ch:      make(chan interfaces.InboundMessage, subscriberBuffer),
	}
	b.subs = append(b.subs, sub)
	return sub.ch, nil
}

// Unsubscribe removes the oldest subscription registered for the exact
// pattern and closes its channel.
func (b *MemoryBus) Unsubscribe(pattern interfaces.SubjectPattern) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.pattern != pattern {
			continue
		}
		b.subs = append(b.subs[:i], b.subs[i+1:]...)
		close(sub.ch)
		return nil
	}
	return nil
}

// Close shuts the bus down and closes every subscription channel.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
