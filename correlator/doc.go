// Package correlator provides awaitable request/response semantics over the
// fire-and-forget pub/sub transport.
//
// A Correlator owns one long-lived subscription (normally the owner's
// "forApp" wildcard) and a map from request id to a one-shot resolver.
// SubmitAndAwait publishes a tagged payload and races three outcomes: a
// matching inbound message, the per-request timeout, and caller
// cancellation. Exactly one outcome resolves each request; the
// check-and-remove on the pending map is atomic, so a response arriving
// after a timeout is a no-op rather than a double resolution.
//
// The listener is resilient: a message that matches no waiter, fails to
// decode, or panics a matcher is logged and skipped. The loop only exits
// when the subscription closes or its context is cancelled, at which point
// every in-flight request resolves with a cancellation error.
package correlator
