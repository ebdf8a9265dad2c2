package message_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"omemo/internal/domain"
	"omemo/internal/omemo"
	"omemo/internal/relay"
	"omemo/internal/services/bundle"
	"omemo/internal/services/message"
	"omemo/internal/session"
	"omemo/internal/store"
)

type user struct {
	o   *omemo.Omemo
	svc *message.Service
}

func newUser(t *testing.T, base string, jid domain.JID) *user {
	t.Helper()
	keys := store.NewKeyStore(store.NewMemoryBackend())
	rc := relay.NewHTTP(base, jid)
	b := bundle.New(keys, rc, nil)
	b.PoolSize = 3
	o := omemo.New(keys, b, session.NewFactory(keys), omemo.Config{})
	require.NoError(t, o.Start(context.Background(), jid))
	t.Cleanup(o.Wait)
	return &user{o: o, svc: message.New(o, rc, nil)}
}

func TestSendReceive_OverRelay(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(relay.NewServer(nil).Handler())
	defer srv.Close()

	alice := newUser(t, srv.URL, "alice@example.org")
	bob := newUser(t, srv.URL, "bob@example.org")

	m, err := alice.svc.Send(ctx, "bob@example.org", []byte("hello over the relay"))
	require.NoError(t, err)
	require.True(t, m.Encrypted)

	got, err := bob.svc.Receive(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, got[0].Err)
	require.Equal(t, "hello over the relay", string(got[0].Message.Plaintext))
	require.Equal(t, domain.TrustUnknown, got[0].Message.Trust)

	// Handled deliveries were acked.
	again, err := bob.svc.Receive(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, again)

	_, err = bob.svc.Send(ctx, "alice@example.org", []byte("hi"))
	require.NoError(t, err)
	back, err := alice.svc.Receive(ctx, 0)
	require.NoError(t, err)
	require.Len(t, back, 1)
	require.Equal(t, "hi", string(back[0].Message.Plaintext))
	require.Equal(t, domain.TrustRecognized, back[0].Message.Trust)
}

func TestSendReceive_EveryDeviceGetsACopy(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(relay.NewServer(nil).Handler())
	defer srv.Close()

	alice1 := newUser(t, srv.URL, "alice@example.org")
	alice2 := newUser(t, srv.URL, "alice@example.org")
	bob1 := newUser(t, srv.URL, "bob@example.org")
	bob2 := newUser(t, srv.URL, "bob@example.org")
	require.NotEqual(t, alice1.o.Local(), alice2.o.Local())
	require.NotEqual(t, bob1.o.Local(), bob2.o.Local())

	m, err := alice1.svc.Send(ctx, "bob@example.org", []byte("to all of you"))
	require.NoError(t, err)
	require.Len(t, m.Envelope.Keys, 3)

	for name, u := range map[string]*user{"bob1": bob1, "bob2": bob2, "alice2": alice2} {
		got, err := u.svc.Receive(ctx, 0)
		require.NoError(t, err, name)
		require.Len(t, got, 1, name)
		require.NoError(t, got[0].Err, name)
		require.Equal(t, "to all of you", string(got[0].Message.Plaintext), name)
		require.Equal(t, alice1.o.Local().DeviceID, got[0].Message.SID, name)
	}

	own, err := alice1.svc.Receive(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, own, "the sending device gets no copy")

	again, err := bob2.svc.Receive(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestSend_NoDevices(t *testing.T) {
	srv := httptest.NewServer(relay.NewServer(nil).Handler())
	defer srv.Close()
	alice := newUser(t, srv.URL, "alice@example.org")

	m, err := alice.svc.Send(context.Background(), "carol@example.org", []byte("anyone?"))
	require.ErrorIs(t, err, omemo.ErrNoDevices)
	require.False(t, m.Encrypted)
	require.ErrorIs(t, m.Failure, omemo.ErrNoDevices)
	require.Equal(t, []byte("anyone?"), m.Body)
}
