package omemo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"omemo/internal/domain"
	"omemo/internal/services/identity"
	"omemo/internal/store"
)

// Device is one remote or local endpoint, identified by its address. Its
// trust and its enablement are independent: disabling a device keeps its
// trust level.
type Device struct {
	addr     domain.Address
	keys     *store.KeyStore
	session  domain.SessionCipher
	bundles  identity.BundleRequester
	resolver *identity.Resolver
	log      *zap.Logger
}

// Address returns the device address.
func (d *Device) Address() domain.Address { return d.addr }

// Fingerprint returns the device's identity fingerprint, fetching its
// bundle when the identity key is not on record.
func (d *Device) Fingerprint(ctx context.Context) (domain.Fingerprint, error) {
	return d.resolver.Fingerprint(ctx, d.addr)
}

// Trust returns the device's trust level. A device whose identity key is not
// on record is Unknown; no network request is made.
func (d *Device) Trust() (domain.Trust, error) {
	fp, ok, err := d.resolver.Stored(d.addr)
	if err != nil || !ok {
		return domain.TrustUnknown, err
	}
	return d.keys.Trust(d.addr.JID, fp)
}

// SetTrust moves the device's fingerprint to level.
func (d *Device) SetTrust(ctx context.Context, level domain.Trust) error {
	fp, err := d.Fingerprint(ctx)
	if err != nil {
		return err
	}
	return d.keys.SetTrust(d.addr.JID, fp, level)
}

// Enable includes the device in encryption again.
func (d *Device) Enable() error { return d.keys.Enable(d.addr) }

// Disable excludes the device from encryption.
func (d *Device) Disable() error { return d.keys.Disable(d.addr) }

// Disabled reports whether the device is disabled.
func (d *Device) Disabled() (bool, error) { return d.keys.IsDisabled(d.addr) }

// Encrypt wraps keyMaterial for this device, establishing a session from
// the device's bundle when none exists. A disabled device yields a nil entry
// and no error.
func (d *Device) Encrypt(ctx context.Context, keyMaterial []byte) (*domain.KeyEntry, error) {
	disabled, err := d.Disabled()
	if err != nil {
		return nil, err
	}
	if disabled {
		return nil, nil
	}

	unlock := d.keys.LockSession(d.addr)
	defer unlock()

	ok, err := d.session.HasSession(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := d.establish(ctx); err != nil {
			return nil, err
		}
	}

	ct, err := d.session.Encrypt(ctx, keyMaterial)
	if err != nil {
		return nil, fmt.Errorf("encrypt for %s: %w", d.addr, err)
	}
	d.touch()
	return &domain.KeyEntry{RID: d.addr.DeviceID, PreKey: ct.PreKey, Data: ct.Data}, nil
}

// establish fetches the bundle and starts an outbound session. The caller
// holds the session lock.
func (d *Device) establish(ctx context.Context) error {
	b, err := d.bundles.RequestBundle(ctx, d.addr)
	if err != nil {
		return err
	}
	known, err := d.keys.IdentityKey(d.addr)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if _, err := d.resolver.Learn(d.addr, b.IdentityKey); err != nil {
			return err
		}
	case err != nil:
		return err
	case known != b.IdentityKey:
		return fmt.Errorf("%w: %s", ErrIdentityChanged, d.addr)
	}
	if err := d.session.ProcessBundle(ctx, b); err != nil {
		return fmt.Errorf("start session with %s: %w", d.addr, err)
	}
	d.log.Debug("session established", zap.Stringer("device", d.addr))
	return nil
}

// Decrypt unwraps the key material of a key entry addressed to us. For a
// pre-key message it records the sender's identity key and removes the
// consumed one-time pre-key. It also returns the device's trust at the time
// of decryption.
func (d *Device) Decrypt(ctx context.Context, data []byte, preKey bool) ([]byte, domain.Trust, error) {
	unlock := d.keys.LockSession(d.addr)
	defer unlock()

	res, err := d.session.Decrypt(ctx, data, preKey)
	if err != nil {
		return nil, domain.TrustUnknown, fmt.Errorf("decrypt from %s: %w", d.addr, err)
	}
	if preKey && !res.RemoteIdentity.IsZero() {
		if _, err := d.resolver.Learn(d.addr, res.RemoteIdentity); err != nil {
			return nil, domain.TrustUnknown, err
		}
	}
	if res.ConsumedPreKeyID != 0 {
		if err := d.keys.RemovePreKey(res.ConsumedPreKeyID); err != nil {
			return nil, domain.TrustUnknown, fmt.Errorf("remove consumed pre-key %d: %w", res.ConsumedPreKeyID, err)
		}
		d.log.Debug("pre-key consumed", zap.Stringer("device", d.addr), zap.Uint32("prekey", uint32(res.ConsumedPreKeyID)))
	}
	d.touch()

	trust, err := d.Trust()
	if err != nil {
		return nil, domain.TrustUnknown, err
	}
	return res.Plaintext, trust, nil
}

// LastUsed returns when the device last completed an encrypt or decrypt.
func (d *Device) LastUsed() (time.Time, error) { return d.keys.LastUsed(d.addr) }

func (d *Device) touch() {
	if err := d.keys.SetLastUsed(d.addr, time.Now()); err != nil {
		d.log.Warn("record last use", zap.Stringer("device", d.addr), zap.Error(err))
	}
}
