package correlator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/attested-vault-client/interfaces"
	"github.com/ruteri/attested-vault-client/subject"
	"github.com/ruteri/attested-vault-client/transport"
)

const testOwner = interfaces.OwnerID("owner1")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCorrelator(t *testing.T) (*transport.MemoryBus, *Correlator) {
	t.Helper()
	bus := transport.NewMemoryBus(discardLogger())
	corr := New(bus, subject.AppInbox(testOwner), discardLogger())
	require.NoError(t, corr.Start(context.Background()), "correlator should start")
	return bus, corr
}

// echoResponder replies to every request on the owner's forVault namespace
// with the given payload, on the response subject built from the request's
// embedded request id.
func echoResponder(t *testing.T, bus *transport.MemoryBus, response []byte) {
	t.Helper()
	inbound, err := bus.Subscribe(context.Background(), subject.VaultInbox(testOwner))
	require.NoError(t, err, "responder should subscribe")

	go func() {
		for msg := range inbound {
			var request struct {
				RequestID string `json:"request_id"`
			}
			if err := json.Unmarshal(msg.Payload, &request); err != nil {
				continue
			}
			operation := subject.Operation(msg.Subject)
			_ = bus.Publish(context.Background(), subject.ForAppResponse(testOwner, operation, request.RequestID), response)
		}
	}()
}

func requestPayload(t *testing.T, requestID string) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"request_id": requestID})
	require.NoError(t, err)
	return payload
}

func responseMatcher(operation, requestID string) MatchFunc {
	want := subject.ForAppResponse(testOwner, operation, requestID)
	return func(msg interfaces.InboundMessage) bool {
		return msg.Subject == want
	}
}

func TestSubmitAndAwaitResolvesResponse(t *testing.T) {
	bus, corr := newTestCorrelator(t)
	echoResponder(t, bus, []byte("pong"))

	requestID := NewRequestID()
	msg, err := corr.SubmitAndAwait(context.Background(), subject.ForVault(testOwner, "echo"),
		requestPayload(t, requestID), requestID, responseMatcher("echo", requestID), 2*time.Second)
	require.NoError(t, err, "request should resolve")
	assert.Equal(t, []byte("pong"), msg.Payload)
	assert.Equal(t, 0, corr.PendingCount(), "no pending requests should remain")
}

func TestConcurrentRequestsResolveIndependently(t *testing.T) {
	bus, corr := newTestCorrelator(t)

	inbound, err := bus.Subscribe(context.Background(), subject.VaultInbox(testOwner))
	require.NoError(t, err)

	// Collect both requests before answering, then answer in reverse
	// arrival order so neither waiter can be resolved positionally.
	go func() {
		var pending []interfaces.InboundMessage
		for msg := range inbound {
			pending = append(pending, msg)
			if len(pending) < 2 {
				continue
			}
			for i := len(pending) - 1; i >= 0; i-- {
				var request struct {
					RequestID string `json:"request_id"`
				}
				if err := json.Unmarshal(pending[i].Payload, &request); err != nil {
					continue
				}
				_ = bus.Publish(context.Background(),
					subject.ForAppResponse(testOwner, "echo", request.RequestID),
					[]byte(request.RequestID))
			}
			return
		}
	}()

	type result struct {
		requestID string
		payload   []byte
		err       error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			requestID := NewRequestID()
			msg, err := corr.SubmitAndAwait(context.Background(), subject.ForVault(testOwner, "echo"),
				requestPayload(t, requestID), requestID, responseMatcher("echo", requestID), 2*time.Second)
			results <- result{requestID: requestID, payload: msg.Payload, err: err}
		}()
	}

	for i := 0; i < 2; i++ {
		got := <-results
		require.NoError(t, got.err, "request should resolve")
		assert.Equal(t, got.requestID, string(got.payload), "each waiter should receive its own response")
	}
}

func TestSubmitAndAwaitTimesOut(t *testing.T) {
	_, corr := newTestCorrelator(t)

	requestID := NewRequestID()
	_, err := corr.SubmitAndAwait(context.Background(), subject.ForVault(testOwner, "echo"),
		requestPayload(t, requestID), requestID, responseMatcher("echo", requestID), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, 0, corr.PendingCount(), "timed out request should be removed")
}

func TestCancelResolvesPendingRequest(t *testing.T) {
	_, corr := newTestCorrelator(t)

	requestID := NewRequestID()
	errs := make(chan error, 1)
	go func() {
		_, err := corr.SubmitAndAwait(context.Background(), subject.ForVault(testOwner, "echo"),
			requestPayload(t, requestID), requestID, responseMatcher("echo", requestID), 5*time.Second)
		errs <- err
	}()

	require.Eventually(t, func() bool { return corr.PendingCount() == 1 },
		time.Second, 10*time.Millisecond, "request should become pending")
	corr.Cancel(requestID)

	require.ErrorIs(t, <-errs, ErrRequestCancelled)
	assert.Equal(t, 0, corr.PendingCount())

	// Cancelling an id that is no longer pending is a no-op.
	corr.Cancel(requestID)
}

func TestAwaitEventMatchesLiveEvent(t *testing.T) {
	bus, corr := newTestCorrelator(t)

	type result struct {
		msg interfaces.InboundMessage
		err error
	}
	results := make(chan result, 1)
	go func() {
		msg, err := corr.AwaitEvent(context.Background(), subject.EventSubject(testOwner, "vaultReady"), 2*time.Second)
		results <- result{msg: msg, err: err}
	}()

	require.Eventually(t, func() bool { return corr.PendingCount() == 1 },
		time.Second, 10*time.Millisecond, "event waiter should register")
	require.NoError(t, bus.Publish(context.Background(), subject.ForApp(testOwner, "vaultReady"), []byte("ready")))

	got := <-results
	require.NoError(t, got.err)
	assert.Equal(t, []byte("ready"), got.msg.Payload)
}

func TestAwaitEventDeliversFromBacklog(t *testing.T) {
	bus, corr := newTestCorrelator(t)

	// The event lands before anyone is waiting for it.
	require.NoError(t, bus.Publish(context.Background(), subject.ForApp(testOwner, "vaultReady"), []byte("early")))
	time.Sleep(50 * time.Millisecond)

	msg, err := corr.AwaitEvent(context.Background(), subject.EventSubject(testOwner, "vaultReady"), time.Second)
	require.NoError(t, err, "a recently delivered event should satisfy a late waiter")
	assert.Equal(t, []byte("early"), msg.Payload)

	// The backlog entry is consumed; a second waiter must time out.
	_, err = corr.AwaitEvent(context.Background(), subject.EventSubject(testOwner, "vaultReady"), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)
}

func TestFireAndForgetPublishesCallerPayload(t *testing.T) {
	bus, corr := newTestCorrelator(t)

	inbound, err := bus.Subscribe(context.Background(), subject.VaultInbox(testOwner))
	require.NoError(t, err)

	requestID := NewRequestID()
	payload := requestPayload(t, requestID)
	require.NoError(t, corr.FireAndForget(context.Background(), subject.ForVault(testOwner, "notify"), payload, requestID))

	select {
	case msg := <-inbound:
		var request struct {
			RequestID string `json:"request_id"`
		}
		require.NoError(t, json.Unmarshal(msg.Payload, &request))
		assert.Equal(t, requestID, request.RequestID, "published payload must carry the caller's request id")
		assert.Equal(t, subject.ForVault(testOwner, "notify"), msg.Subject)
	case <-time.After(time.Second):
		t.Fatal("payload was not published")
	}
	assert.Equal(t, 0, corr.PendingCount(), "fire-and-forget must not register a waiter")
}

func TestSubmitBeforeStart(t *testing.T) {
	bus := transport.NewMemoryBus(discardLogger())
	corr := New(bus, subject.AppInbox(testOwner), discardLogger())

	requestID := NewRequestID()
	_, err := corr.SubmitAndAwait(context.Background(), subject.ForVault(testOwner, "echo"),
		requestPayload(t, requestID), requestID, responseMatcher("echo", requestID), time.Second)
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestTransportCloseFailsPendingRequests(t *testing.T) {
	bus, corr := newTestCorrelator(t)

	requestID := NewRequestID()
	errs := make(chan error, 1)
	go func() {
		_, err := corr.SubmitAndAwait(context.Background(), subject.ForVault(testOwner, "echo"),
			requestPayload(t, requestID), requestID, responseMatcher("echo", requestID), 5*time.Second)
		errs <- err
	}()

	require.Eventually(t, func() bool { return corr.PendingCount() == 1 },
		time.Second, 10*time.Millisecond)
	bus.Close()

	err := <-errs
	require.ErrorIs(t, err, ErrRequestCancelled)
	require.ErrorIs(t, err, interfaces.ErrTransportClosed)
}

func TestContextCancellationResolvesWaiter(t *testing.T) {
	_, corr := newTestCorrelator(t)

	ctx, cancel := context.WithCancel(context.Background())
	requestID := NewRequestID()
	errs := make(chan error, 1)
	go func() {
		_, err := corr.SubmitAndAwait(ctx, subject.ForVault(testOwner, "echo"),
			requestPayload(t, requestID), requestID, responseMatcher("echo", requestID), 5*time.Second)
		errs <- err
	}()

	require.Eventually(t, func() bool { return corr.PendingCount() == 1 },
		time.Second, 10*time.Millisecond)
	cancel()

	require.ErrorIs(t, <-errs, ErrRequestCancelled)
	assert.Equal(t, 0, corr.PendingCount())
}
