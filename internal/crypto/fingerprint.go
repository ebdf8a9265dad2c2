package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"omemo/internal/domain"
)

// Fingerprint returns the SHA-256 hex digest of an identity public key.
func Fingerprint(pub domain.X25519Public) domain.Fingerprint {
	sum := sha256.Sum256(pub[:])
	return domain.Fingerprint(hex.EncodeToString(sum[:]))
}
