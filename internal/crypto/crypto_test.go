package crypto_test

import (
	"bytes"
	"errors"
	"testing"

	"omemo/internal/crypto"
)

func TestDH_Agrees(t *testing.T) {
	aPriv, aPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	bPriv, bPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	ab, err := crypto.DH(aPriv, bPub)
	if err != nil {
		t.Fatalf("DH: %v", err)
	}
	ba, err := crypto.DH(bPriv, aPub)
	if err != nil {
		t.Fatalf("DH: %v", err)
	}
	if ab != ba {
		t.Fatal("shared secrets differ")
	}
}

func TestSignVerify(t *testing.T) {
	priv, pub, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	sig := crypto.SignEd25519(priv, []byte("spk"))
	if !crypto.VerifyEd25519(pub, []byte("spk"), sig) {
		t.Fatal("signature did not verify")
	}
	if crypto.VerifyEd25519(pub, []byte("other"), sig) {
		t.Fatal("signature verified over wrong message")
	}
}

func TestFingerprint_Stable(t *testing.T) {
	id, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	fp := crypto.Fingerprint(id.XPub)
	if len(fp) != 64 {
		t.Fatalf("want 64 hex chars, got %d", len(fp))
	}
	if fp != crypto.Fingerprint(id.XPub) {
		t.Fatal("fingerprint not deterministic")
	}
}

func TestPayload_RoundTrip(t *testing.T) {
	msg := []byte("hello, every device")
	p, err := crypto.SealPayload(msg)
	if err != nil {
		t.Fatalf("SealPayload: %v", err)
	}
	if len(p.Ciphertext) != len(msg) {
		t.Fatalf("ciphertext length %d, want %d", len(p.Ciphertext), len(msg))
	}
	km := p.KeyMaterial()
	if len(km) != crypto.PayloadKeySize+crypto.PayloadTagSize {
		t.Fatalf("key material length %d", len(km))
	}
	pt, err := crypto.OpenPayload(km[:16], p.IV, p.Ciphertext, km[16:])
	if err != nil {
		t.Fatalf("OpenPayload: %v", err)
	}
	if !bytes.Equal(pt, msg) {
		t.Fatalf("got %q, want %q", pt, msg)
	}
}

func TestPayload_TamperedTagFails(t *testing.T) {
	p, err := crypto.SealPayload([]byte("x"))
	if err != nil {
		t.Fatalf("SealPayload: %v", err)
	}
	p.Tag[0] ^= 0xff
	if _, err := crypto.OpenPayload(p.Key, p.IV, p.Ciphertext, p.Tag); !errors.Is(err, crypto.ErrPayloadAuth) {
		t.Fatalf("want ErrPayloadAuth, got %v", err)
	}
}
