package omemo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"omemo/internal/crypto"
	"omemo/internal/domain"
)

// minPaddedLength is the length short plaintexts are padded to.
const minPaddedLength = 32

// Peer is every device of one account.
type Peer struct {
	jid domain.JID
	o   *Omemo

	mu      sync.Mutex
	devices map[domain.DeviceID]*Device
}

// deviceState is a snapshot of one device's trust and enablement.
type deviceState struct {
	dev      *Device
	trust    domain.Trust
	disabled bool
}

// JID returns the peer's account.
func (p *Peer) JID() domain.JID { return p.jid }

// Device returns the device id of the peer, creating it on first reference.
func (p *Peer) Device(id domain.DeviceID) *Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.devices[id]; ok {
		return d
	}
	d := p.o.newDevice(domain.Address{JID: p.jid, DeviceID: id})
	p.devices[id] = d
	return d
}

// DeviceIDs returns the peer's known device list.
func (p *Peer) DeviceIDs() ([]domain.DeviceID, error) {
	return p.o.keys.DeviceList(p.jid)
}

func (p *Peer) states() ([]deviceState, error) {
	ids, err := p.DeviceIDs()
	if err != nil {
		return nil, err
	}
	out := make([]deviceState, 0, len(ids))
	for _, id := range ids {
		d := p.Device(id)
		disabled, err := d.Disabled()
		if err != nil {
			return nil, err
		}
		trust, err := d.Trust()
		if err != nil {
			return nil, err
		}
		out = append(out, deviceState{dev: d, trust: trust, disabled: disabled})
	}
	return out, nil
}

// AggregateTrust combines the trust of the peer's enabled devices: Unknown
// if any is Unknown, else Recognized if any is Recognized, else Confirmed if
// any is Confirmed, else Ignored.
func (p *Peer) AggregateTrust() (domain.Trust, error) {
	states, err := p.states()
	if err != nil {
		return domain.TrustUnknown, err
	}
	return aggregate(states), nil
}

func aggregate(states []deviceState) domain.Trust {
	levels := make([]domain.Trust, 0, len(states))
	for _, s := range states {
		if !s.disabled {
			levels = append(levels, s.trust)
		}
	}
	return domain.Aggregate(levels)
}

// TrustOnFirstUse marks every device that has no trust decision yet as
// Recognized, once per peer. Devices whose identity cannot be fetched are
// disabled. It reports whether every device succeeded. On a peer that
// already went through it, it returns true without writing anything.
func (p *Peer) TrustOnFirstUse(ctx context.Context) (bool, error) {
	used, err := p.o.keys.IsPeerUsed(p.jid)
	if err != nil || used {
		return used, err
	}
	states, err := p.states()
	if err != nil {
		return false, err
	}

	var ok atomic.Bool
	ok.Store(true)
	g := p.o.fanOut()
	for _, s := range states {
		if s.dev.addr == p.o.local || s.trust != domain.TrustUnknown {
			continue
		}
		d := s.dev
		g.Go(func() error {
			dctx, cancel := p.o.deviceContext(ctx)
			defer cancel()
			fp, err := d.Fingerprint(dctx)
			if err != nil {
				ok.Store(false)
				p.o.log.Warn("trust on first use failed", zap.Stringer("device", d.addr), zap.Error(err))
				return d.Disable()
			}
			if err := p.o.keys.SetTrust(d.addr.JID, fp, domain.TrustRecognized); err != nil {
				return err
			}
			return d.Enable()
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return ok.Load(), nil
}

// Encrypt pads plaintext, encrypts it once, and wraps the key material for
// every enabled, non-ignored device of p and of local except this device.
// A nil plaintext produces a key-transport envelope without payload.
// From and SID are left for the caller.
func (p *Peer) Encrypt(ctx context.Context, local *Peer, plaintext []byte) (*domain.Envelope, error) {
	remote, err := p.states()
	if err != nil {
		return nil, err
	}
	if len(remote) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoDevices, p.jid)
	}
	own, err := local.states()
	if err != nil {
		return nil, err
	}

	switch aggregate(remote) {
	case domain.TrustUnknown:
		return nil, fmt.Errorf("%w: %s", ErrUnverifiedDevices, p.jid)
	case domain.TrustIgnored:
		return nil, fmt.Errorf("%w: %s", ErrPeerIgnored, p.jid)
	}
	if aggregate(own) == domain.TrustUnknown {
		return nil, ErrLocalUnverified
	}

	env := &domain.Envelope{}
	var keyMaterial []byte
	if plaintext == nil {
		keyMaterial, err = randomKeyMaterial()
		if err != nil {
			return nil, err
		}
	} else {
		sealed, err := crypto.SealPayload(pad(plaintext))
		if err != nil {
			return nil, err
		}
		env.IV, env.Payload = sealed.IV, sealed.Ciphertext
		keyMaterial = sealed.KeyMaterial()
	}

	targets := p.o.targets(remote, own)
	entries := make([]*domain.KeyEntry, len(targets))
	g := p.o.fanOut()
	for i, d := range targets {
		g.Go(func() error {
			dctx, cancel := p.o.deviceContext(ctx)
			defer cancel()
			entry, err := d.Encrypt(dctx, keyMaterial)
			if err != nil {
				p.o.log.Warn("device skipped", zap.Stringer("device", d.addr), zap.Error(err))
				return nil
			}
			entries[i] = entry
			return nil
		})
	}
	_ = g.Wait()

	for _, e := range entries {
		if e != nil {
			env.Keys = append(env.Keys, *e)
		}
	}
	if len(env.Keys) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoReachableDevice, p.jid)
	}

	if err := p.o.keys.SetPeerUsed(p.jid); err != nil {
		return nil, err
	}
	if err := p.o.keys.SetPeerUsed(local.jid); err != nil {
		return nil, err
	}
	return env, nil
}

// Decrypt unwraps data sent by device sid of the peer.
func (p *Peer) Decrypt(ctx context.Context, sid domain.DeviceID, data []byte, preKey bool) ([]byte, domain.Trust, error) {
	return p.Device(sid).Decrypt(ctx, data, preKey)
}

// pad right-pads plaintext with NUL bytes to minPaddedLength.
func pad(plaintext []byte) []byte {
	if len(plaintext) >= minPaddedLength {
		return plaintext
	}
	out := make([]byte, minPaddedLength)
	copy(out, plaintext)
	return out
}
