package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
)

// Sizes of the shared-payload cipher.
const (
	PayloadKeySize = 16
	PayloadIVSize  = 12
	PayloadTagSize = 16
)

// ErrPayloadAuth is returned when the payload tag does not verify.
var ErrPayloadAuth = errors.New("payload authentication failed")

// SealedPayload is one AES-GCM encryption whose tag is split from the body.
// Key and Tag travel per device; IV and Ciphertext are shared.
type SealedPayload struct {
	Key        []byte
	IV         []byte
	Ciphertext []byte
	Tag        []byte
}

// KeyMaterial returns Key‖Tag, the secret wrapped for every recipient.
func (p SealedPayload) KeyMaterial() []byte {
	out := make([]byte, 0, len(p.Key)+len(p.Tag))
	out = append(out, p.Key...)
	return append(out, p.Tag...)
}

// SealPayload encrypts plaintext under a fresh random key and IV.
func SealPayload(plaintext []byte) (SealedPayload, error) {
	key := make([]byte, PayloadKeySize)
	if _, err := rand.Read(key); err != nil {
		return SealedPayload{}, err
	}
	iv := make([]byte, PayloadIVSize)
	if _, err := rand.Read(iv); err != nil {
		return SealedPayload{}, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return SealedPayload{}, err
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	n := len(sealed) - PayloadTagSize
	return SealedPayload{
		Key:        key,
		IV:         iv,
		Ciphertext: sealed[:n],
		Tag:        sealed[n:],
	}, nil
}

// OpenPayload decrypts ciphertext with key, iv and the detached tag.
func OpenPayload(key, iv, ciphertext, tag []byte) ([]byte, error) {
	if len(key) != PayloadKeySize || len(iv) != PayloadIVSize || len(tag) != PayloadTagSize {
		return nil, ErrPayloadAuth
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	pt, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrPayloadAuth
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
