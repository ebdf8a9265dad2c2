package identity

import (
	"fmt"
	"unicode"

	"go.uber.org/zap"

	"omemo/internal/crypto"
	"omemo/internal/domain"
	"omemo/internal/services/bundle"
	"omemo/internal/store"
)

const (
	// minPassphraseLength defines the minimum number of characters required for a passphrase.
	minPassphraseLength = 12
)

var (
	// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
	ErrWeakPassphrase = fmt.Errorf(
		"passphrase is too weak (must be at least %d characters and include upper, lower, "+
			"number, and symbol)",
		minPassphraseLength,
	)
)

// Service bootstraps the local identity.
//
// The identity contains:
//   - X25519 key pair for Diffie-Hellman (X3DH and Double Ratchet), whose
//     public half is what peers fingerprint.
//   - Ed25519 key pair for signing (for example, signing the Signed Pre-Key).
type Service struct {
	keys *store.KeyStore
	log  *zap.Logger
}

// New returns an identity service backed by the given key store.
func New(keys *store.KeyStore, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{keys: keys, log: log}
}

// Generate creates a new identity for jid under a fresh device id that does
// not collide with taken, stores it, and returns the local address.
func (s *Service) Generate(jid domain.JID, taken []domain.DeviceID) (domain.Address, domain.Identity, error) {
	exclude := make(map[uint32]struct{}, len(taken))
	for _, id := range taken {
		exclude[uint32(id)] = struct{}{}
	}
	devID, err := bundle.RandomID(bundle.MaxDeviceID, exclude)
	if err != nil {
		return domain.Address{}, domain.Identity{}, err
	}

	id, err := crypto.NewIdentity()
	if err != nil {
		return domain.Address{}, domain.Identity{}, err
	}
	addr := domain.Address{JID: jid, DeviceID: domain.DeviceID(devID)}
	fp := crypto.Fingerprint(id.XPub)
	if err := s.keys.SetLocalIdentity(addr, id, fp); err != nil {
		return domain.Address{}, domain.Identity{}, err
	}
	s.log.Info("identity generated", zap.Stringer("device", addr), zap.Stringer("fingerprint", fp))
	return addr, id, nil
}

// Local returns the stored local identity, its address and fingerprint.
func (s *Service) Local() (domain.Address, domain.Identity, domain.Fingerprint, error) {
	id, err := s.keys.LocalIdentity()
	if err != nil {
		return domain.Address{}, domain.Identity{}, "", err
	}
	addr, err := s.keys.LocalAccount()
	if err != nil {
		return domain.Address{}, domain.Identity{}, "", err
	}
	return addr, id, crypto.Fingerprint(id.XPub), nil
}

// ValidatePassphrase enforces the passphrase policy for sealed storage.
func ValidatePassphrase(passphrase string) error {
	if !isSecurePassphrase(passphrase) {
		return ErrWeakPassphrase
	}
	return nil
}

// isSecurePassphrase enforces a basic strength policy.
func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}
