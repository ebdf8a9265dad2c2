package omemo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"omemo/internal/domain"
	"omemo/internal/envelope"
	"omemo/internal/omemo"
	"omemo/internal/pubsub"
)

// TestEndToEnd_RatchetSessions runs a conversation over real X3DH and
// Double Ratchet sessions, with envelopes passing through the wire codec.
func TestEndToEnd_RatchetSessions(t *testing.T) {
	ctx := context.Background()
	net := pubsub.NewMemory()
	alice := newRealAccount(t, net, aliceJID)
	bob := newRealAccount(t, net, bobJID)
	alice.knows(t, bobJID)
	bob.knows(t, aliceJID)

	send := func(from, to *account, body string) *domain.Decrypted {
		t.Helper()
		env, err := from.o.Encrypt(ctx, to.addr().JID, []byte(body))
		require.NoError(t, err)
		wire, err := envelope.Unmarshal(envelope.Marshal(env))
		require.NoError(t, err)
		got, err := to.o.Decrypt(ctx, wire)
		require.NoError(t, err)
		require.Equal(t, body, string(got.Plaintext))
		return got
	}

	// Two messages before any reply both carry the pre-key header.
	send(alice, bob, "hello bob")
	got := send(alice, bob, "are you there?")
	require.Equal(t, domain.TrustUnknown, got.Trust)
	bob.o.Wait()

	consumed, err := bob.keys.ConsumedPreKeyIDs()
	require.NoError(t, err)
	require.Len(t, consumed, 1)
	pks, err := bob.keys.PreKeys()
	require.NoError(t, err)
	require.Len(t, pks, testPoolSize)

	got = send(bob, alice, "yes, hi alice")
	require.Equal(t, domain.TrustRecognized, got.Trust)
	send(alice, bob, "a message long enough that it needs no padding at all")
	send(bob, alice, "bye")

	env, err := alice.o.Encrypt(ctx, bobJID, []byte("no pre-key any more"))
	require.NoError(t, err)
	require.False(t, env.Keys[0].PreKey)

	env.Payload[len(env.Payload)-1] ^= 1
	_, err = bob.o.Decrypt(ctx, env)
	require.ErrorIs(t, err, omemo.ErrAuthTag)

	alice.o.Wait()
	bob.o.Wait()
}

// TestEndToEnd_SimultaneousStart has both accounts send their first message
// before either receives one. The conversation must keep working afterwards.
func TestEndToEnd_SimultaneousStart(t *testing.T) {
	ctx := context.Background()
	net := pubsub.NewMemory()
	alice := newRealAccount(t, net, aliceJID)
	bob := newRealAccount(t, net, bobJID)
	alice.knows(t, bobJID)
	bob.knows(t, aliceJID)

	encrypt := func(from, to *account, body string) *domain.Envelope {
		t.Helper()
		env, err := from.o.Encrypt(ctx, to.addr().JID, []byte(body))
		require.NoError(t, err)
		return env
	}
	decrypt := func(to *account, env *domain.Envelope, body string) {
		t.Helper()
		got, err := to.o.Decrypt(ctx, env)
		require.NoError(t, err, body)
		require.Equal(t, body, string(got.Plaintext))
	}

	a1 := encrypt(alice, bob, "a1")
	b1 := encrypt(bob, alice, "b1")
	require.True(t, a1.Keys[0].PreKey)
	require.True(t, b1.Keys[0].PreKey)
	decrypt(bob, a1, "a1")
	decrypt(alice, b1, "b1")

	a2 := encrypt(alice, bob, "a2")
	b2 := encrypt(bob, alice, "b2")
	decrypt(bob, a2, "a2")
	decrypt(alice, b2, "b2")

	for _, body := range []string{"a3", "a4"} {
		decrypt(bob, encrypt(alice, bob, body), body)
		reply := "re " + body
		decrypt(alice, encrypt(bob, alice, reply), reply)
	}

	alice.o.Wait()
	bob.o.Wait()
}
