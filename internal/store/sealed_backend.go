package store

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"omemo/internal/util/memzero"
)

const (
	// The current supported version of the sealed value format.
	sealedFormatVersion = 1

	// sealedMetaKey holds the KDF parameters and the passphrase check value.
	sealedMetaKey = "meta:sealed"
	sealedCheck   = "omemo keystore"
)

// ErrWrongPassphrase is returned when the passphrase is incorrect or a sealed
// value has been modified or corrupted.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted keystore")

// sealedMeta is the JSON structure holding the KDF parameters.
type sealedMeta struct {
	V     int    `json:"v"`
	Salt  []byte `json:"salt"`
	N     int    `json:"scrypt_N"`
	R     int    `json:"scrypt_r"`
	P     int    `json:"scrypt_p"`
	Check []byte `json:"check"`
}

// SealedBackend encrypts every value of an inner Backend with
// XChaCha20-Poly1305 under a key derived from a passphrase. Keys stay in the
// clear; each value is bound to its key as associated data.
type SealedBackend struct {
	inner Backend
	aead  cipher.AEAD
}

// NewSealedBackend unlocks inner with passphrase, initialising the KDF
// parameters on first use.
func NewSealedBackend(inner Backend, passphrase string) (*SealedBackend, error) {
	return newSealedBackend(inner, passphrase, scryptParamsDefault)
}

func newSealedBackend(inner Backend, passphrase string, params func() (N, r, p int)) (*SealedBackend, error) {
	raw, ok, err := inner.Get(sealedMetaKey)
	if err != nil {
		return nil, err
	}

	var meta sealedMeta
	fresh := !ok
	if fresh {
		var salt [16]byte
		if _, err := rand.Read(salt[:]); err != nil {
			return nil, err
		}
		N, r, p := params()
		meta = sealedMeta{V: sealedFormatVersion, Salt: salt[:], N: N, R: r, P: p}
	} else {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("decode sealed metadata: %w", err)
		}
		if meta.V > sealedFormatVersion {
			return nil, fmt.Errorf("unsupported keystore version %d", meta.V)
		}
	}

	key, err := scrypt.Key([]byte(passphrase), meta.Salt, meta.N, meta.R, meta.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	memzero.Zero(key)
	if err != nil {
		return nil, err
	}
	s := &SealedBackend{inner: inner, aead: aead}

	if fresh {
		meta.Check, err = s.seal(sealedMetaKey, []byte(sealedCheck))
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		if err := inner.Put(sealedMetaKey, b); err != nil {
			return nil, err
		}
		return s, nil
	}

	if _, err := s.open(sealedMetaKey, meta.Check); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the decrypted value stored at key.
func (s *SealedBackend) Get(key string) ([]byte, bool, error) {
	b, ok, err := s.inner.Get(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	pt, err := s.open(key, b)
	if err != nil {
		return nil, false, err
	}
	return pt, true, nil
}

// Put encrypts value and stores it at key.
func (s *SealedBackend) Put(key string, value []byte) error {
	ct, err := s.seal(key, value)
	if err != nil {
		return err
	}
	return s.inner.Put(key, ct)
}

// Delete removes key.
func (s *SealedBackend) Delete(key string) error { return s.inner.Delete(key) }

// Keys lists keys starting with prefix, hiding the sealing metadata.
func (s *SealedBackend) Keys(prefix string) ([]string, error) {
	keys, err := s.inner.Keys(prefix)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if k != sealedMetaKey {
			out = append(out, k)
		}
	}
	return out, nil
}

// seal returns version ‖ nonce ‖ ciphertext.
func (s *SealedBackend) seal(key string, value []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(nonce)+len(value)+chacha20poly1305.Overhead)
	out = append(out, sealedFormatVersion)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, value, []byte(key)), nil
}

func (s *SealedBackend) open(key string, b []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(b) < 1+ns || b[0] != sealedFormatVersion {
		return nil, ErrWrongPassphrase
	}
	pt, err := s.aead.Open(nil, b[1:1+ns], b[1+ns:], []byte(key))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}

// Tunables for scrypt key derivation.
func scryptParamsDefault() (N, r, p int) { return 1 << 15, 8, 1 }

// Compile-time assertion that SealedBackend implements Backend.
var _ Backend = (*SealedBackend)(nil)
