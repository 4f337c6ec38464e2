package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/ruteri/attested-vault-client/interfaces"
	"github.com/ruteri/attested-vault-client/subject"
)

var (
	// ErrRequestTimeout is returned when no matching response arrives
	// within the request's timeout. Recoverable by resubmission with a
	// fresh request id.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrRequestCancelled is returned when a pending request is resolved
	// by an explicit Cancel call or by context cancellation.
	ErrRequestCancelled = errors.New("request cancelled")

	// ErrNotStarted is returned when submitting before Start has
	// subscribed the inbound listener.
	ErrNotStarted = errors.New("correlator not started")
)

// MatchFunc decides whether an inbound message resolves a pending request.
// Matchers run on the listener goroutine and must be cheap and side-effect
// free; a typical matcher checks the subject's trailing request-id token or
// decodes the payload far enough to compare ids.
type MatchFunc func(msg interfaces.InboundMessage) bool

// pendingRequest tracks one awaited response. The resolver channel has
// capacity one and receives exactly one outcome; removal from the pending
// map and the send happen under the correlator mutex so the response,
// timeout, and cancel racers cannot double-resolve.
type pendingRequest struct {
	requestID string
	match     MatchFunc
	createdAt time.Time
	resolver  chan outcome
}

type outcome struct {
	msg interfaces.InboundMessage
	err error
}

// backlogSize bounds how many unmatched inbound messages are retained for
// waiters that register shortly after the message arrived. Events like the
// vault-ready announcement can land between two protocol steps; without the
// backlog they would be dropped on the floor.
const backlogSize = 16

// Correlator turns the fire-and-forget transport into awaitable
// request/response semantics. One long-lived listener drains a single
// subscription covering all vault-originated messages and resolves pending
// requests by their matchers; unmatched messages go to a bounded backlog
// that late waiters scan on registration, and are never fatal.
type Correlator struct {
	transport interfaces.Transport
	pattern   interfaces.SubjectPattern
	log       *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	backlog []interfaces.InboundMessage

	started atomic.Bool
}

// New creates a correlator listening on the given subscription pattern,
// normally "<owner>.forApp.>". A nil logger falls back to slog.Default.
func New(transport interfaces.Transport, pattern interfaces.SubjectPattern, log *slog.Logger) *Correlator {
	if log == nil {
		log = slog.Default()
	}
	return &Correlator{
		transport: transport,
		pattern:   pattern,
		log:       log,
		pending:   make(map[string]*pendingRequest),
	}
}

// NewRequestID generates an opaque correlation id.
func NewRequestID() string {
	return uuid.New().String()
}

// Start subscribes to the inbound pattern and launches the listener. It is
// idempotent; only the first call subscribes. The listener runs until the
// subscription channel closes or ctx is cancelled.
func (c *Correlator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	inbound, err := c.transport.Subscribe(ctx, c.pattern)
	if err != nil {
		c.started.Store(false)
		return fmt.Errorf("failed to subscribe %q: %w", c.pattern, err)
	}

	go c.listen(ctx, inbound)
	return nil
}

// listen dispatches inbound messages to pending requests. It never exits on
// a per-message problem: anything that does not match a waiter is debug
// logged and the loop continues pulling from the stream.
func (c *Correlator) listen(ctx context.Context, inbound <-chan interfaces.InboundMessage) {
	for {
		select {
		case <-ctx.Done():
			c.failAll(ctx.Err())
			return
		case msg, ok := <-inbound:
			if !ok {
				c.failAll(interfaces.ErrTransportClosed)
				return
			}
			if !c.dispatch(msg) {
				c.log.Debug("Inbound message matched no pending request",
					slog.String("subject", msg.Subject.String()),
					slog.Int("size", len(msg.Payload)))
			}
		}
	}
}

// dispatch resolves the first pending request whose matcher accepts the
// message. Check-and-remove is atomic under the mutex.
func (c *Correlator) dispatch(msg interfaces.InboundMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, pending := range c.pending {
		matched := func() (matched bool) {
			defer func() {
				if r := recover(); r != nil {
					c.log.Warn("Response matcher panicked, skipping message",
						slog.String("request_id", id),
						slog.String("subject", msg.Subject.String()),
						"panic", r)
					matched = false
				}
			}()
			return pending.match(msg)
		}()
		if !matched {
			continue
		}

		delete(c.pending, id)
		pending.resolver <- outcome{msg: msg}
		return true
	}

	c.backlog = append(c.backlog, msg)
	if len(c.backlog) > backlogSize {
		c.backlog = c.backlog[1:]
	}
	return false
}

// takeFromBacklogLocked removes and returns the oldest retained message
// accepted by match. Caller holds the mutex.
func (c *Correlator) takeFromBacklogLocked(match MatchFunc) (interfaces.InboundMessage, bool) {
	for i, msg := range c.backlog {
		if match(msg) {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return msg, true
		}
	}
	return interfaces.InboundMessage{}, false
}

// failAll resolves every pending request with the given error. Called when
// the listener stops; after this the correlator accepts no new requests
// until restarted.
func (c *Correlator) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, pending := range c.pending {
		delete(c.pending, id)
		pending.resolver <- outcome{err: fmt.Errorf("%w: %w", ErrRequestCancelled, err)}
	}
	c.backlog = nil
	c.started.Store(false)
}

// SubmitAndAwait publishes a payload and blocks until a message satisfying
// match arrives, the timeout elapses, or ctx is cancelled — whichever fires
// first; the losers are no-ops. The supplied requestID must already be
// embedded in the payload by the caller; it keys the pending entry and Cancel.
func (c *Correlator) SubmitAndAwait(ctx context.Context, subj interfaces.Subject, payload []byte, requestID string, match MatchFunc, timeout time.Duration) (interfaces.InboundMessage, error) {
	if !c.started.Load() {
		return interfaces.InboundMessage{}, ErrNotStarted
	}

	pending := &pendingRequest{
		requestID: requestID,
		match:     match,
		createdAt: time.Now(),
		resolver:  make(chan outcome, 1),
	}

	c.mu.Lock()
	c.pending[requestID] = pending
	c.mu.Unlock()

	if err := c.transport.Publish(ctx, subj, payload); err != nil {
		c.remove(requestID)
		return interfaces.InboundMessage{}, fmt.Errorf("failed to publish request %s: %w", requestID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-pending.resolver:
		return result.msg, result.err
	case <-timer.C:
		if c.remove(requestID) {
			return interfaces.InboundMessage{}, fmt.Errorf("%w: request %s after %s", ErrRequestTimeout, requestID, timeout)
		}
		// Lost the race: a response arrived between the timer firing and
		// the removal attempt. Deliver it.
		result := <-pending.resolver
		return result.msg, result.err
	case <-ctx.Done():
		if c.remove(requestID) {
			return interfaces.InboundMessage{}, fmt.Errorf("%w: %w", ErrRequestCancelled, ctx.Err())
		}
		result := <-pending.resolver
		return result.msg, result.err
	}
}

// FireAndForget publishes a payload without registering a waiter. As with
// SubmitAndAwait, the supplied requestID must already be embedded in the
// payload by the caller; it appears only in the error for log correlation.
func (c *Correlator) FireAndForget(ctx context.Context, subj interfaces.Subject, payload []byte, requestID string) error {
	if err := c.transport.Publish(ctx, subj, payload); err != nil {
		return fmt.Errorf("failed to publish request %s to %q: %w", requestID, subj, err)
	}
	return nil
}

// AwaitEvent blocks until a message arrives on a subject matched by pattern,
// without publishing anything. Used for vault-originated events that carry
// no request id, like the vault-ready announcement.
func (c *Correlator) AwaitEvent(ctx context.Context, pattern interfaces.SubjectPattern, timeout time.Duration) (interfaces.InboundMessage, error) {
	match := func(msg interfaces.InboundMessage) bool {
		return subject.Matches(pattern, msg.Subject)
	}
	return c.awaitOnly(ctx, NewRequestID(), match, timeout)
}

// awaitOnly registers a waiter without publishing.
func (c *Correlator) awaitOnly(ctx context.Context, requestID string, match MatchFunc, timeout time.Duration) (interfaces.InboundMessage, error) {
	if !c.started.Load() {
		return interfaces.InboundMessage{}, ErrNotStarted
	}

	pending := &pendingRequest{
		requestID: requestID,
		match:     match,
		createdAt: time.Now(),
		resolver:  make(chan outcome, 1),
	}

	c.mu.Lock()
	if msg, ok := c.takeFromBacklogLocked(match); ok {
		c.mu.Unlock()
		return msg, nil
	}
	c.pending[requestID] = pending
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-pending.resolver:
		return result.msg, result.err
	case <-timer.C:
		if c.remove(requestID) {
			return interfaces.InboundMessage{}, fmt.Errorf("%w: event wait after %s", ErrRequestTimeout, timeout)
		}
		result := <-pending.resolver
		return result.msg, result.err
	case <-ctx.Done():
		if c.remove(requestID) {
			return interfaces.InboundMessage{}, fmt.Errorf("%w: %w", ErrRequestCancelled, ctx.Err())
		}
		result := <-pending.resolver
		return result.msg, result.err
	}
}

// Cancel resolves a pending request with ErrRequestCancelled. Cancelling an
// id that is no longer pending is a no-op, as is cancelling twice.
func (c *Correlator) Cancel(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, ok := c.pending[requestID]
	if !ok {
		return
	}
	delete(c.pending, requestID)
	pending.resolver <- outcome{err: fmt.Errorf("%w: request %s", ErrRequestCancelled, requestID)}
}

// remove deletes a pending entry, reporting whether it was still present.
// The report tells a timeout or cancellation racer whether it won.
func (c *Correlator) remove(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[requestID]; !ok {
		return false
	}
	delete(c.pending, requestID)
	return true
}

// PendingCount reports the number of requests currently awaiting responses.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
