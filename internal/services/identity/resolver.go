package identity

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"omemo/internal/crypto"
	"omemo/internal/domain"
	"omemo/internal/store"
)

// BundleRequester fetches a remote device's bundle.
type BundleRequester interface {
	RequestBundle(ctx context.Context, addr domain.Address) (domain.Bundle, error)
}

// Resolver resolves and caches device fingerprints: first from memory, then
// from the identity keys in the KeyStore, and finally by fetching the
// device's bundle. Concurrent fetches for one device share a single request.
type Resolver struct {
	keys    *store.KeyStore
	bundles BundleRequester

	group singleflight.Group

	mu    sync.RWMutex
	cache map[domain.Address]domain.Fingerprint
}

// NewResolver returns a Resolver.
func NewResolver(keys *store.KeyStore, bundles BundleRequester) *Resolver {
	return &Resolver{keys: keys, bundles: bundles, cache: make(map[domain.Address]domain.Fingerprint)}
}

// Fingerprint returns addr's fingerprint, fetching its bundle when no
// identity key is known.
func (r *Resolver) Fingerprint(ctx context.Context, addr domain.Address) (domain.Fingerprint, error) {
	fp, ok, err := r.Stored(addr)
	if err != nil || ok {
		return fp, err
	}

	v, err, _ := r.group.Do(addr.String(), func() (any, error) {
		b, err := r.bundles.RequestBundle(ctx, addr)
		if err != nil {
			return domain.Fingerprint(""), err
		}
		return r.learn(addr, b.IdentityKey)
	})
	if err != nil {
		return "", err
	}
	return v.(domain.Fingerprint), nil
}

// Stored returns addr's fingerprint without touching the network; ok is
// false when no identity key is recorded.
func (r *Resolver) Stored(addr domain.Address) (domain.Fingerprint, bool, error) {
	r.mu.RLock()
	fp, ok := r.cache[addr]
	r.mu.RUnlock()
	if ok {
		return fp, true, nil
	}

	key, err := r.keys.IdentityKey(addr)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	fp = crypto.Fingerprint(key)
	r.mu.Lock()
	r.cache[addr] = fp
	r.mu.Unlock()
	return fp, true, nil
}

// Learn records key as addr's identity key, as seen during session
// establishment, and returns its fingerprint.
func (r *Resolver) Learn(addr domain.Address, key domain.X25519Public) (domain.Fingerprint, error) {
	return r.learn(addr, key)
}

func (r *Resolver) learn(addr domain.Address, key domain.X25519Public) (domain.Fingerprint, error) {
	if err := r.keys.SaveIdentityKey(addr, key); err != nil {
		return "", err
	}
	fp := crypto.Fingerprint(key)
	r.mu.Lock()
	r.cache[addr] = fp
	r.mu.Unlock()
	return fp, nil
}
