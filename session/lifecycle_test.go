package session_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/attested-vault-client/correlator"
	"github.com/ruteri/attested-vault-client/credential"
	"github.com/ruteri/attested-vault-client/interfaces"
	"github.com/ruteri/attested-vault-client/session"
	"github.com/ruteri/attested-vault-client/storage"
	"github.com/ruteri/attested-vault-client/subject"
	"github.com/ruteri/attested-vault-client/transport"
	"github.com/ruteri/attested-vault-client/vaulttest"
)

const testOwner = interfaces.OwnerID("owner1")

// newLifecycleHarness wires a lifecycle to an in-process vault peer over the
// memory bus.
func newLifecycleHarness(t *testing.T, config vaulttest.Config) (*session.Lifecycle, *vaulttest.Vault) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	bus := transport.NewMemoryBus(log)
	t.Cleanup(bus.Close)

	vault, err := vaulttest.New(testOwner, bus, config, log)
	require.NoError(t, err, "fake vault should construct")
	require.NoError(t, vault.Start(ctx), "fake vault should start")

	corr := correlator.New(bus, subject.AppInbox(testOwner), log)
	require.NoError(t, corr.Start(ctx), "correlator should start")

	crypto := session.NewCrypto(storage.NewMemoryStore(), log)
	lifecycle := session.NewLifecycle(testOwner, "device-1", crypto, corr, log).WithTimeout(2 * time.Second)
	return lifecycle, vault
}

func TestBootstrapEstablishesSession(t *testing.T) {
	lifecycle, _ := newLifecycleHarness(t, vaulttest.Config{})

	blob, err := lifecycle.Bootstrap(context.Background())
	require.NoError(t, err, "bootstrap should complete against the vault peer")
	require.NotEmpty(t, blob, "first bootstrap should carry credentials")

	cred, err := credential.Parse(blob)
	require.NoError(t, err, "issued credentials should parse")
	assert.Equal(t, testOwner, cred.Owner)

	id, ok := lifecycle.Crypto().SessionID()
	require.True(t, ok, "a session should be active")
	assert.NotEmpty(t, id)
}

func TestEchoRoundTrip(t *testing.T) {
	lifecycle, _ := newLifecycleHarness(t, vaulttest.Config{})

	_, err := lifecycle.Bootstrap(context.Background())
	require.NoError(t, err)

	require.NoError(t, lifecycle.Echo(context.Background()), "sealed echo should round-trip")
}

func TestRotateKeepsSessionUsable(t *testing.T) {
	lifecycle, _ := newLifecycleHarness(t, vaulttest.Config{})

	_, err := lifecycle.Bootstrap(context.Background())
	require.NoError(t, err)
	before, ok := lifecycle.Crypto().SessionID()
	require.True(t, ok)

	require.NoError(t, lifecycle.Rotate(context.Background()), "rotation should complete")

	after, ok := lifecycle.Crypto().SessionID()
	require.True(t, ok)
	assert.Equal(t, before, after, "session id survives rotation")

	require.NoError(t, lifecycle.Echo(context.Background()), "the re-keyed session should still be usable")
}

func TestRejectedRotationForcesRebootstrap(t *testing.T) {
	lifecycle, _ := newLifecycleHarness(t, vaulttest.Config{RejectRotation: true})

	_, err := lifecycle.Bootstrap(context.Background())
	require.NoError(t, err)

	err = lifecycle.Rotate(context.Background())
	require.ErrorIs(t, err, session.ErrRotationRejected)

	_, ok := lifecycle.Crypto().SessionID()
	assert.False(t, ok, "a rejected rotation destroys the session")

	// Recovery path: a fresh bootstrap establishes a new session.
	_, err = lifecycle.Bootstrap(context.Background())
	require.NoError(t, err)
	require.NoError(t, lifecycle.Echo(context.Background()))
}

func TestRotateIfNeededIsNoOpWhenFresh(t *testing.T) {
	lifecycle, vault := newLifecycleHarness(t, vaulttest.Config{})

	_, err := lifecycle.Bootstrap(context.Background())
	require.NoError(t, err)

	require.NoError(t, lifecycle.RotateIfNeeded(context.Background()))
	for _, operation := range vault.ReceivedOperations() {
		assert.NotEqual(t, session.RotateOperation, operation, "a fresh session must not rotate")
	}
}

func TestSilentVaultTimesOut(t *testing.T) {
	lifecycle, _ := newLifecycleHarness(t, vaulttest.Config{
		Silent: map[string]bool{session.BootstrapOperation: true},
	})
	lifecycle.WithTimeout(100 * time.Millisecond)

	_, err := lifecycle.Bootstrap(context.Background())
	require.ErrorIs(t, err, correlator.ErrRequestTimeout)

	// The pending exchange must be discarded so a retry can start.
	_, err = lifecycle.Bootstrap(context.Background())
	require.ErrorIs(t, err, correlator.ErrRequestTimeout)
	require.NotErrorIs(t, err, session.ErrBootstrapInProgress)
}

func TestClearDropsSession(t *testing.T) {
	lifecycle, _ := newLifecycleHarness(t, vaulttest.Config{})

	_, err := lifecycle.Bootstrap(context.Background())
	require.NoError(t, err)

	lifecycle.Clear(context.Background())
	_, ok := lifecycle.Crypto().SessionID()
	assert.False(t, ok)

	require.ErrorIs(t, lifecycle.Echo(context.Background()), session.ErrNoSession)
}
