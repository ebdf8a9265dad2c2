package x3dh_test

import (
	"bytes"
	"errors"
	"testing"

	"omemo/internal/crypto"
	"omemo/internal/domain"
	"omemo/internal/protocol/x3dh"
)

// makeIdentity creates a domain.Identity with fresh X25519 and Ed25519 pairs.
func makeIdentity(t *testing.T) domain.Identity {
	t.Helper()
	id, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	return id
}

// makeBundle returns bob's bundle plus the private halves of its pre-keys.
func makeBundle(t *testing.T, bob domain.Identity, withOPK bool) (domain.Bundle, domain.X25519Private, *domain.X25519Private) {
	t.Helper()
	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	bundle := domain.Bundle{
		IdentityKey: bob.XPub,
		SigningKey:  bob.EdPub,
		SignedPreKey: domain.SignedPreKeyPublic{
			ID:        7,
			Pub:       spkPub,
			Signature: crypto.SignEd25519(bob.EdPriv, spkPub[:]),
		},
	}
	if !withOPK {
		return bundle, spkPriv, nil
	}
	opkPriv, opkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519 (opk): %v", err)
	}
	bundle.PreKeys = []domain.PreKeyPublic{{ID: 42, Pub: opkPub}}
	return bundle, spkPriv, &opkPriv
}

func TestInitiateAndRespond_NoOneTimePreKey(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	bundle, spkPriv, _ := makeBundle(t, bob, false)

	in, err := x3dh.Initiate(alice, bundle)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if in.SignedPreKeyID != 7 {
		t.Fatalf("want signed pre-key id 7, got %d", in.SignedPreKeyID)
	}
	if in.PreKeyID != 0 {
		t.Fatalf("want no one-time pre-key, got %d", in.PreKeyID)
	}

	root, err := x3dh.Respond(bob, spkPriv, nil, alice.XPub, in.BaseKey)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !bytes.Equal(in.RootKey, root) {
		t.Fatal("root keys differ (no OPK)")
	}
}

func TestInitiateAndRespond_WithOneTimePreKey(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	bundle, spkPriv, opkPriv := makeBundle(t, bob, true)

	in, err := x3dh.Initiate(alice, bundle)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if in.PreKeyID != 42 {
		t.Fatalf("want one-time pre-key 42, got %d", in.PreKeyID)
	}

	root, err := x3dh.Respond(bob, spkPriv, opkPriv, alice.XPub, in.BaseKey)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !bytes.Equal(in.RootKey, root) {
		t.Fatal("root keys differ (with OPK)")
	}

	// Dropping the one-time pre-key must change the root.
	other, err := x3dh.Respond(bob, spkPriv, nil, alice.XPub, in.BaseKey)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if bytes.Equal(in.RootKey, other) {
		t.Fatal("root key ignored the one-time pre-key")
	}
}

func TestInitiate_BadSignature(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	bundle, _, _ := makeBundle(t, bob, false)
	bundle.SignedPreKey.Signature[0] ^= 0xff

	if _, err := x3dh.Initiate(alice, bundle); !errors.Is(err, x3dh.ErrBadSignedPreKey) {
		t.Fatalf("want ErrBadSignedPreKey, got %v", err)
	}
}
