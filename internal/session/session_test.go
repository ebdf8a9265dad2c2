package session_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"omemo/internal/crypto"
	"omemo/internal/domain"
	"omemo/internal/session"
	"omemo/internal/store"
)

type party struct {
	addr   domain.Address
	keys   *store.KeyStore
	bundle domain.Bundle
}

// newParty creates a device with an identity, one signed pre-key and one
// one-time pre-key, and returns its public bundle.
func newParty(t *testing.T, jid domain.JID, dev domain.DeviceID) party {
	t.Helper()
	ks := store.NewKeyStore(store.NewMemoryBackend())
	id, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	addr := domain.Address{JID: jid, DeviceID: dev}
	if err := ks.SetLocalIdentity(addr, id, crypto.Fingerprint(id.XPub)); err != nil {
		t.Fatalf("SetLocalIdentity: %v", err)
	}

	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	spk := domain.SignedPreKeyPair{ID: 1, Priv: spkPriv, Pub: spkPub, Signature: crypto.SignEd25519(id.EdPriv, spkPub[:])}
	if err := ks.StoreSignedPreKey(spk); err != nil {
		t.Fatalf("StoreSignedPreKey: %v", err)
	}
	opkPriv, opkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	if err := ks.StorePreKey(domain.PreKeyPair{ID: 77, Priv: opkPriv, Pub: opkPub}); err != nil {
		t.Fatalf("StorePreKey: %v", err)
	}

	return party{
		addr: addr,
		keys: ks,
		bundle: domain.Bundle{
			IdentityKey:  id.XPub,
			SigningKey:   id.EdPub,
			SignedPreKey: domain.SignedPreKeyPublic{ID: spk.ID, Pub: spk.Pub, Signature: spk.Signature},
			PreKeys:      []domain.PreKeyPublic{{ID: 77, Pub: opkPub}},
		},
	}
}

func TestSession_RoundTrip(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "alice@example.org", 1)
	bob := newParty(t, "bob@example.org", 2)

	aToB := session.NewFactory(alice.keys).Session(bob.addr)
	bToA := session.NewFactory(bob.keys).Session(alice.addr)

	if ok, err := aToB.HasSession(ctx); err != nil || ok {
		t.Fatalf("HasSession before bundle = %v, %v", ok, err)
	}
	if _, err := aToB.Encrypt(ctx, []byte("x")); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("want ErrNoSession, got %v", err)
	}
	if err := aToB.ProcessBundle(ctx, bob.bundle); err != nil {
		t.Fatalf("ProcessBundle: %v", err)
	}

	// Two messages before any reply both carry the pre-key header.
	first, err := aToB.Encrypt(ctx, []byte("first"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	second, err := aToB.Encrypt(ctx, []byte("second"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !first.PreKey || !second.PreKey {
		t.Fatal("initial messages are not pre-key messages")
	}

	res, err := bToA.Decrypt(ctx, first.Data, true)
	if err != nil {
		t.Fatalf("Decrypt first: %v", err)
	}
	if string(res.Plaintext) != "first" {
		t.Fatalf("got %q", res.Plaintext)
	}
	if res.ConsumedPreKeyID != 77 {
		t.Fatalf("consumed pre-key = %d, want 77", res.ConsumedPreKeyID)
	}
	if res.RemoteIdentity != alice.bundle.IdentityKey {
		t.Fatal("remote identity not reported")
	}
	if err := bob.keys.RemovePreKey(res.ConsumedPreKeyID); err != nil {
		t.Fatalf("RemovePreKey: %v", err)
	}

	// The second message reuses the session even though the pre-key is gone.
	res, err = bToA.Decrypt(ctx, second.Data, true)
	if err != nil {
		t.Fatalf("Decrypt second: %v", err)
	}
	if string(res.Plaintext) != "second" || res.ConsumedPreKeyID != 0 {
		t.Fatalf("second = %q consumed=%d", res.Plaintext, res.ConsumedPreKeyID)
	}

	reply, err := bToA.Encrypt(ctx, []byte("reply"))
	if err != nil {
		t.Fatalf("Encrypt reply: %v", err)
	}
	if reply.PreKey {
		t.Fatal("responder reply should not be a pre-key message")
	}
	res, err = aToB.Decrypt(ctx, reply.Data, false)
	if err != nil {
		t.Fatalf("Decrypt reply: %v", err)
	}
	if string(res.Plaintext) != "reply" {
		t.Fatalf("got %q", res.Plaintext)
	}

	third, err := aToB.Encrypt(ctx, []byte("third"))
	if err != nil {
		t.Fatalf("Encrypt third: %v", err)
	}
	if third.PreKey {
		t.Fatal("pre-key header still sent after reply")
	}
	if res, err = bToA.Decrypt(ctx, third.Data, false); err != nil || string(res.Plaintext) != "third" {
		t.Fatalf("Decrypt third = %q, %v", res.Plaintext, err)
	}
}

func TestSession_FailedDecryptKeepsState(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "alice@example.org", 1)
	bob := newParty(t, "bob@example.org", 2)

	aToB := session.NewFactory(alice.keys).Session(bob.addr)
	bToA := session.NewFactory(bob.keys).Session(alice.addr)
	if err := aToB.ProcessBundle(ctx, bob.bundle); err != nil {
		t.Fatalf("ProcessBundle: %v", err)
	}
	ct, err := aToB.Encrypt(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := bToA.Decrypt(ctx, []byte("{not json"), true); !errors.Is(err, session.ErrMalformedMessage) {
		t.Fatalf("want ErrMalformedMessage, got %v", err)
	}
	if ok, _ := bToA.HasSession(ctx); ok {
		t.Fatal("failed decrypt created a session")
	}
	if res, err := bToA.Decrypt(ctx, ct.Data, true); err != nil || string(res.Plaintext) != "hello" {
		t.Fatalf("Decrypt = %q, %v", res.Plaintext, err)
	}
}

func TestSession_UnknownPreKey(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "alice@example.org", 1)
	bob := newParty(t, "bob@example.org", 2)

	aToB := session.NewFactory(alice.keys).Session(bob.addr)
	if err := aToB.ProcessBundle(ctx, bob.bundle); err != nil {
		t.Fatalf("ProcessBundle: %v", err)
	}
	ct, err := aToB.Encrypt(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if err := bob.keys.RemovePreKey(77); err != nil {
		t.Fatalf("RemovePreKey: %v", err)
	}
	_, err = session.NewFactory(bob.keys).Session(alice.addr).Decrypt(ctx, ct.Data, true)
	if !errors.Is(err, session.ErrUnknownPreKey) {
		t.Fatalf("want ErrUnknownPreKey, got %v", err)
	}
}

// startBoth has alice and bob each start a session with the other before
// either has seen the other's pre-key message, then delivers both.
func startBoth(t *testing.T) (aToB, bToA domain.SessionCipher) {
	t.Helper()
	ctx := context.Background()
	alice := newParty(t, "alice@example.org", 1)
	bob := newParty(t, "bob@example.org", 2)
	aToB = session.NewFactory(alice.keys).Session(bob.addr)
	bToA = session.NewFactory(bob.keys).Session(alice.addr)

	if err := aToB.ProcessBundle(ctx, bob.bundle); err != nil {
		t.Fatalf("alice ProcessBundle: %v", err)
	}
	if err := bToA.ProcessBundle(ctx, alice.bundle); err != nil {
		t.Fatalf("bob ProcessBundle: %v", err)
	}
	a1 := mustEncrypt(t, aToB, "a1")
	b1 := mustEncrypt(t, bToA, "b1")
	mustDecrypt(t, bToA, a1, "a1")
	mustDecrypt(t, aToB, b1, "b1")
	return aToB, bToA
}

func mustEncrypt(t *testing.T, c domain.SessionCipher, body string) domain.Ciphertext {
	t.Helper()
	ct, err := c.Encrypt(context.Background(), []byte(body))
	if err != nil {
		t.Fatalf("Encrypt %s: %v", body, err)
	}
	return ct
}

func mustDecrypt(t *testing.T, c domain.SessionCipher, ct domain.Ciphertext, want string) {
	t.Helper()
	res, err := c.Decrypt(context.Background(), ct.Data, ct.PreKey)
	if err != nil {
		t.Fatalf("Decrypt %s: %v", want, err)
	}
	if string(res.Plaintext) != want {
		t.Fatalf("Decrypt = %q, want %q", res.Plaintext, want)
	}
}

func TestSession_SimultaneousStart(t *testing.T) {
	aToB, bToA := startBoth(t)

	for i := range 3 {
		a := fmt.Sprintf("a%d", i+2)
		mustDecrypt(t, bToA, mustEncrypt(t, aToB, a), a)
		b := fmt.Sprintf("b%d", i+2)
		mustDecrypt(t, aToB, mustEncrypt(t, bToA, b), b)
	}
}

func TestSession_SimultaneousStartCrossingReplies(t *testing.T) {
	aToB, bToA := startBoth(t)

	// Both reply before seeing the other's reply.
	a2 := mustEncrypt(t, aToB, "a2")
	b2 := mustEncrypt(t, bToA, "b2")
	mustDecrypt(t, bToA, a2, "a2")
	mustDecrypt(t, aToB, b2, "b2")

	for i := range 3 {
		a := fmt.Sprintf("a%d", i+3)
		mustDecrypt(t, bToA, mustEncrypt(t, aToB, a), a)
		b := fmt.Sprintf("b%d", i+3)
		mustDecrypt(t, aToB, mustEncrypt(t, bToA, b), b)
	}
}
