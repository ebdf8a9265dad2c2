package ratchet_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"omemo/internal/crypto"
	"omemo/internal/domain"
	"omemo/internal/protocol/ratchet"
)

type sent struct {
	header domain.RatchetHeader
	ct     []byte
}

// pair returns initiator and responder states sharing rk, with the responder
// already holding the initiator's first message.
func pair(t *testing.T) (a, b domain.RatchetState, first sent) {
	t.Helper()
	rk := bytes.Repeat([]byte{0x42}, 32)
	bPriv, bPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}

	a, err = ratchet.InitAsInitiator(rk, bPub)
	if err != nil {
		t.Fatalf("InitAsInitiator: %v", err)
	}
	b, err = ratchet.InitAsResponder(rk, bPriv, a.DiffieHellmanPublic)
	if err != nil {
		t.Fatalf("InitAsResponder: %v", err)
	}
	h, ct, err := ratchet.Encrypt(&a, nil, []byte("hi"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return a, b, sent{h, ct}
}

func mustEncrypt(t *testing.T, st *domain.RatchetState, ad []byte, msg string) sent {
	t.Helper()
	h, ct, err := ratchet.Encrypt(st, ad, []byte(msg))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return sent{h, ct}
}

func mustDecrypt(t *testing.T, st *domain.RatchetState, ad []byte, m sent, want string) {
	t.Helper()
	pt, err := ratchet.Decrypt(st, ad, m.header, m.ct)
	if err != nil {
		t.Fatalf("Decrypt %q: %v", want, err)
	}
	if string(pt) != want {
		t.Fatalf("got %q, want %q", pt, want)
	}
}

func TestDoubleRatchet_OneRoundTrip(t *testing.T) {
	_, b, first := pair(t)
	mustDecrypt(t, &b, nil, first, "hi")
}

func TestDoubleRatchet_PingPong(t *testing.T) {
	a, b, first := pair(t)
	ad := []byte("alice|bob")
	mustDecrypt(t, &b, nil, first, "hi")

	for i, msg := range []string{"one", "two", "three", "four"} {
		if i%2 == 0 {
			mustDecrypt(t, &a, ad, mustEncrypt(t, &b, ad, msg), msg)
		} else {
			mustDecrypt(t, &b, ad, mustEncrypt(t, &a, ad, msg), msg)
		}
	}
}

func TestDoubleRatchet_OutOfOrder(t *testing.T) {
	a, b, first := pair(t)
	m1 := mustEncrypt(t, &a, nil, "m1")
	m2 := mustEncrypt(t, &a, nil, "m2")

	mustDecrypt(t, &b, nil, m2, "m2")
	mustDecrypt(t, &b, nil, first, "hi")
	mustDecrypt(t, &b, nil, m1, "m1")

	// A skipped key is single use.
	if _, err := ratchet.Decrypt(&b, nil, m1.header, m1.ct); err == nil {
		t.Fatal("replayed message decrypted")
	}
}

func TestDoubleRatchet_WrongADFails(t *testing.T) {
	_, b, first := pair(t)
	if _, err := ratchet.Decrypt(&b, []byte("other"), first.header, first.ct); err == nil {
		t.Fatal("decrypt with wrong associated data succeeded")
	}
}

func TestDoubleRatchet_StateSurvivesJSON(t *testing.T) {
	a, b, first := pair(t)
	m1 := mustEncrypt(t, &a, nil, "m1")
	mustDecrypt(t, &b, nil, m1, "m1") // leaves "hi" skipped

	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored domain.RatchetState
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	mustDecrypt(t, &restored, nil, first, "hi")
	mustDecrypt(t, &a, nil, mustEncrypt(t, &restored, nil, "back"), "back")
}

func TestDoubleRatchet_TooManySkipped(t *testing.T) {
	_, b, first := pair(t)
	first.header.MessageIndex = 5000
	if _, err := ratchet.Decrypt(&b, nil, first.header, first.ct); err != ratchet.ErrTooManySkipped {
		t.Fatalf("want ErrTooManySkipped, got %v", err)
	}
}
