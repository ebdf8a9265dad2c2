package omemo_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"omemo/internal/domain"
	"omemo/internal/omemo"
	"omemo/internal/pubsub"
	"omemo/internal/services/bundle"
	"omemo/internal/services/identity"
	"omemo/internal/session"
	"omemo/internal/session/sessiontest"
	"omemo/internal/store"
)

const testPoolSize = 5

// countingBackend counts mutations.
type countingBackend struct {
	store.Backend
	writes atomic.Int64
}

func (c *countingBackend) Put(key string, value []byte) error {
	c.writes.Add(1)
	return c.Backend.Put(key, value)
}

func (c *countingBackend) Delete(key string) error {
	c.writes.Add(1)
	return c.Backend.Delete(key)
}

// countingPub counts every call to the publish service.
type countingPub struct {
	domain.PublishService
	calls atomic.Int64
}

func (c *countingPub) Publish(ctx context.Context, node string, item domain.Item) error {
	c.calls.Add(1)
	return c.PublishService.Publish(ctx, node, item)
}

func (c *countingPub) RetrieveItems(ctx context.Context, owner domain.JID, node string) ([]domain.Item, error) {
	c.calls.Add(1)
	return c.PublishService.RetrieveItems(ctx, owner, node)
}

func (c *countingPub) Delete(ctx context.Context, node string) error {
	c.calls.Add(1)
	return c.PublishService.Delete(ctx, node)
}

type account struct {
	o        *omemo.Omemo
	keys     *store.KeyStore
	backend  *countingBackend
	pub      *countingPub
	bundles  *bundle.Service
	sessions *sessiontest.Factory
}

func (a *account) addr() domain.Address { return a.o.Local() }

func newParts(net *pubsub.Memory, jid domain.JID) *account {
	backend := &countingBackend{Backend: store.NewMemoryBackend()}
	keys := store.NewKeyStore(backend)
	pub := &countingPub{PublishService: net.Client(jid)}
	b := bundle.New(keys, pub, nil)
	b.PoolSize = testPoolSize
	return &account{keys: keys, backend: backend, pub: pub, bundles: b}
}

// newAccount starts a device of jid backed by fake sessions.
func newAccount(t *testing.T, net *pubsub.Memory, jid domain.JID) *account {
	t.Helper()
	return startFake(t, newParts(net, jid), jid, omemo.Config{})
}

// startFake generates an identity for a and starts it with fake sessions.
func startFake(t *testing.T, a *account, jid domain.JID, cfg omemo.Config) *account {
	t.Helper()
	ctx := context.Background()

	taken, err := a.bundles.FetchDeviceList(ctx, jid)
	require.NoError(t, err)
	_, id, err := identity.New(a.keys, nil).Generate(jid, taken)
	require.NoError(t, err)
	a.sessions = sessiontest.NewFactory(id.XPub)

	a.o = omemo.New(a.keys, a.bundles, a.sessions, cfg)
	require.NoError(t, a.o.Start(ctx, jid))
	return a
}

// newRealAccount starts a device of jid backed by ratchet sessions.
func newRealAccount(t *testing.T, net *pubsub.Memory, jid domain.JID) *account {
	t.Helper()
	a := newParts(net, jid)
	a.o = omemo.New(a.keys, a.bundles, session.NewFactory(a.keys), omemo.Config{})
	require.NoError(t, a.o.Start(context.Background(), jid))
	return a
}

func (a *account) knows(t *testing.T, jids ...domain.JID) {
	t.Helper()
	for _, jid := range jids {
		_, err := a.o.RefreshDeviceList(context.Background(), jid)
		require.NoError(t, err)
	}
}

func rids(env *domain.Envelope) []domain.DeviceID {
	out := make([]domain.DeviceID, 0, len(env.Keys))
	for _, k := range env.Keys {
		out = append(out, k.RID)
	}
	return out
}
