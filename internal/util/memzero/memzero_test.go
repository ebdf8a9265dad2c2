package memzero_test

import (
	"testing"

	"omemo/internal/util/memzero"
)

func TestZero(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	chain := []byte{9, 9, 9}

	memzero.Zero(key[:], chain, nil)

	if key != [32]byte{} {
		t.Fatalf("key not wiped: %x", key)
	}
	for _, b := range chain {
		if b != 0 {
			t.Fatalf("chain not wiped: %x", chain)
		}
	}
}
