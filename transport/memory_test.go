package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/attested-vault-client/interfaces"
	"github.com/ruteri/attested-vault-client/subject"
)

func receiveOne(t *testing.T, ch <-chan interfaces.InboundMessage) interfaces.InboundMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return interfaces.InboundMessage{}
	}
}

func TestMemoryBusWildcardDelivery(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()
	ctx := context.Background()

	all, err := bus.Subscribe(ctx, "owner1.forApp.>")
	require.NoError(t, err)
	bootstrapOnly, err := bus.Subscribe(ctx, "owner1.forApp.bootstrapSession.*")
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, "owner2.forApp.>")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "owner1.forApp.bootstrapSession.req-1", []byte("hello")))

	msg := receiveOne(t, all)
	assert.Equal(t, interfaces.Subject("owner1.forApp.bootstrapSession.req-1"), msg.Subject)
	assert.Equal(t, []byte("hello"), msg.Payload)

	msg = receiveOne(t, bootstrapOnly)
	assert.Equal(t, []byte("hello"), msg.Payload)

	select {
	case unexpected := <-other:
		t.Fatalf("owner2 subscriber received %q", unexpected.Subject)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusPayloadIsolation(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx, ">")
	require.NoError(t, err)

	payload := []byte("original")
	require.NoError(t, bus.Publish(ctx, "a.b", payload))
	payload[0] = 'X'

	msg := receiveOne(t, ch)
	assert.Equal(t, []byte("original"), msg.Payload, "subscriber must not observe publisher mutations")
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx, "a.>")
	require.NoError(t, err)
	require.NoError(t, bus.Unsubscribe("a.>"))

	_, open := <-ch
	assert.False(t, open, "channel must be closed after unsubscribe")

	require.NoError(t, bus.Publish(ctx, "a.b", []byte("x")), "publish after unsubscribe should not error")
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(nil)
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx, ">")
	require.NoError(t, err)

	bus.Close()

	_, open := <-ch
	assert.False(t, open, "channel must be closed after bus close")

	err = bus.Publish(ctx, "a.b", []byte("x"))
	assert.ErrorIs(t, err, interfaces.ErrTransportClosed)

	_, err = bus.Subscribe(ctx, ">")
	assert.ErrorIs(t, err, interfaces.ErrTransportClosed)
}

func TestPermissionedTransport(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()
	ctx := context.Background()

	permissions := subject.PermissionSet{
		Publish:   []interfaces.SubjectPattern{"owner1.forVault.>"},
		Subscribe: []interfaces.SubjectPattern{"owner1.forApp.>"},
	}
	checked := NewPermissionedTransport(bus, permissions)

	assert.NoError(t, checked.Publish(ctx, "owner1.forVault.echo", []byte("x")),
		"publish within the permission set should pass")

	err := checked.Publish(ctx, "owner2.forVault.echo", []byte("x"))
	assert.ErrorIs(t, err, interfaces.ErrNotPermitted, "publish outside the permission set must fail")

	_, err = checked.Subscribe(ctx, "owner1.forApp.>")
	assert.NoError(t, err, "subscribe within the permission set should pass")

	_, err = checked.Subscribe(ctx, "owner1.forVault.>")
	assert.ErrorIs(t, err, interfaces.ErrNotPermitted, "subscribe outside the permission set must fail")
}
