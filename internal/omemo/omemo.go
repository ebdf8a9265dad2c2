package omemo

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"omemo/internal/crypto"
	"omemo/internal/domain"
	"omemo/internal/services/bundle"
	"omemo/internal/services/identity"
	"omemo/internal/store"
)

// refreshTimeout bounds one background bundle refresh.
const refreshTimeout = 30 * time.Second

// Config tunes an Omemo instance. The zero value is usable.
type Config struct {
	Logger *zap.Logger
	// DeviceTimeout bounds each device's part of a fan-out, bundle fetch
	// included. Zero leaves it to the transport.
	DeviceTimeout time.Duration
	// MaxFanOut bounds concurrent device operations. Zero starts every
	// device's call at once.
	MaxFanOut int
}

// Omemo is the entry point for encrypting to and decrypting from accounts.
// It owns the local account's Peer and a registry of remote Peers.
type Omemo struct {
	keys     *store.KeyStore
	bundles  *bundle.Service
	ids      *identity.Service
	resolver *identity.Resolver
	sessions domain.SessionFactory
	cfg      Config
	log      *zap.Logger

	local domain.Address
	peers registry

	refreshMu      sync.Mutex
	refreshing     bool
	refreshPending bool
	bg             sync.WaitGroup
}

// New wires an Omemo instance. Call Start before use.
func New(keys *store.KeyStore, bundles *bundle.Service, sessions domain.SessionFactory, cfg Config) *Omemo {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Omemo{
		keys:     keys,
		bundles:  bundles,
		ids:      identity.New(keys, cfg.Logger),
		resolver: identity.NewResolver(keys, bundles),
		sessions: sessions,
		cfg:      cfg,
		log:      cfg.Logger,
	}
}

// Start loads or creates the local account for jid. On first run it
// generates the identity, a device id unused in jid's published device list
// and the bundle. Every run publishes the bundle (topped up) and makes sure
// the local device id is in the published device list.
func (o *Omemo) Start(ctx context.Context, jid domain.JID) error {
	addr, err := o.keys.LocalAccount()
	switch {
	case errors.Is(err, store.ErrNotFound):
		taken, err := o.bundles.FetchDeviceList(ctx, jid)
		if err != nil {
			return err
		}
		if addr, _, err = o.ids.Generate(jid, taken); err != nil {
			return err
		}
	case err != nil:
		return err
	case addr.JID != jid:
		return fmt.Errorf("store belongs to %s, not %s", addr.JID, jid)
	}

	b, err := o.localBundle()
	if err != nil {
		return err
	}
	if err := o.bundles.PublishBundle(ctx, b); err != nil {
		return err
	}
	o.local = addr

	ids, err := o.bundles.PublishDeviceID(ctx)
	if err != nil {
		return err
	}
	if err := o.keys.SetDeviceList(jid, ids); err != nil {
		return err
	}
	o.log.Info("omemo started", zap.Stringer("device", addr), zap.Int("own_devices", len(ids)))
	return nil
}

// localBundle generates the bundle on first run and refreshes it afterwards.
func (o *Omemo) localBundle() (domain.Bundle, error) {
	spks, err := o.keys.SignedPreKeys()
	if err != nil {
		return domain.Bundle{}, err
	}
	if len(spks) > 0 {
		return o.bundles.RefreshBundle()
	}
	id, err := o.keys.LocalIdentity()
	if err != nil {
		return domain.Bundle{}, err
	}
	return o.bundles.GenerateBundle(id)
}

// Local returns the local device address.
func (o *Omemo) Local() domain.Address { return o.local }

// Peer returns the Peer of jid, creating it on first reference.
func (o *Omemo) Peer(jid domain.JID) *Peer {
	return o.peers.get(jid, func() *Peer {
		return &Peer{jid: jid, o: o, devices: make(map[domain.DeviceID]*Device)}
	})
}

func (o *Omemo) newDevice(addr domain.Address) *Device {
	return &Device{
		addr:     addr,
		keys:     o.keys,
		session:  o.sessions.Session(addr),
		bundles:  o.bundles,
		resolver: o.resolver,
		log:      o.log,
	}
}

func (o *Omemo) started() error {
	if o.local.DeviceID == 0 {
		return ErrNotStarted
	}
	return nil
}

// NewMessage returns an outbound cleartext message from the local account.
func (o *Omemo) NewMessage(to domain.JID, body []byte) *domain.Message {
	return &domain.Message{ID: uuid.NewString(), From: o.local.JID, To: to, Body: body}
}

// EncryptMessage encrypts m.Body for m.To. On success the envelope replaces
// the body and m is marked encrypted; on failure m stays cleartext and unsent
// with the reason in m.Failure.
func (o *Omemo) EncryptMessage(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	env, err := o.Encrypt(ctx, m.To, m.Body)
	if err != nil {
		m.Failure = err
		return err
	}
	m.Envelope, m.Body, m.Encrypted, m.Failure = env, nil, true, nil
	return nil
}

// Encrypt encrypts plaintext for every device of contact and every other
// device of the local account. Trust on first use runs for both accounts
// the first time.
func (o *Omemo) Encrypt(ctx context.Context, contact domain.JID, plaintext []byte) (*domain.Envelope, error) {
	if plaintext == nil {
		plaintext = []byte{}
	}
	return o.encrypt(ctx, contact, plaintext)
}

// KeyTransport builds an envelope that carries fresh key material and no
// payload. It establishes sessions without sending a message.
func (o *Omemo) KeyTransport(ctx context.Context, contact domain.JID) (*domain.Envelope, error) {
	return o.encrypt(ctx, contact, nil)
}

func (o *Omemo) encrypt(ctx context.Context, contact domain.JID, plaintext []byte) (*domain.Envelope, error) {
	if err := o.started(); err != nil {
		return nil, err
	}
	remote, local := o.Peer(contact), o.Peer(o.local.JID)

	ids, err := remote.DeviceIDs()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoDevices, contact)
	}

	for _, p := range []*Peer{local, remote} {
		if ok, err := p.TrustOnFirstUse(ctx); err != nil {
			return nil, err
		} else if !ok {
			o.log.Info("trust on first use incomplete", zap.Stringer("peer", p.jid))
		}
	}

	env, err := remote.Encrypt(ctx, local, plaintext)
	if err != nil {
		return nil, err
	}
	env.From, env.SID = o.local.JID, o.local.DeviceID
	return env, nil
}

// targets lists the devices a fan-out encrypts to: enabled, non-ignored
// devices of both peers except the local device, each once.
func (o *Omemo) targets(sets ...[]deviceState) []*Device {
	seen := map[domain.Address]struct{}{o.local: {}}
	var out []*Device
	for _, states := range sets {
		for _, s := range states {
			if s.disabled || s.trust == domain.TrustIgnored {
				continue
			}
			if _, dup := seen[s.dev.addr]; dup {
				continue
			}
			seen[s.dev.addr] = struct{}{}
			out = append(out, s.dev)
		}
	}
	return out
}

// fanOut returns the group per-device calls run in.
func (o *Omemo) fanOut() *errgroup.Group {
	g := new(errgroup.Group)
	if o.cfg.MaxFanOut > 0 {
		g.SetLimit(o.cfg.MaxFanOut)
	}
	return g
}

func (o *Omemo) deviceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.DeviceTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.DeviceTimeout)
	}
	return context.WithCancel(ctx)
}

// Decrypt opens env. An envelope without payload is a key-transport
// message and yields a result with KeyTransport set and no plaintext.
// After a pre-key message the bundle is replenished in the background.
func (o *Omemo) Decrypt(ctx context.Context, env *domain.Envelope) (*domain.Decrypted, error) {
	if err := o.started(); err != nil {
		return nil, err
	}
	if env == nil || env.From == "" || env.SID == 0 {
		return nil, fmt.Errorf("%w: missing sender", ErrMalformedEnvelope)
	}

	var entry *domain.KeyEntry
	for i := range env.Keys {
		if env.Keys[i].RID != o.local.DeviceID {
			continue
		}
		if entry != nil {
			return nil, fmt.Errorf("%w: several keys for device %s", ErrAmbiguousEnvelope, o.local.DeviceID)
		}
		entry = &env.Keys[i]
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: no key for device %s", ErrMalformedEnvelope, o.local.DeviceID)
	}

	keyMaterial, trust, err := o.Peer(env.From).Decrypt(ctx, env.SID, entry.Data, entry.PreKey)
	if err != nil {
		return nil, err
	}
	if entry.PreKey {
		o.scheduleRefresh(ctx)
	}

	out := &domain.Decrypted{From: env.From, SID: env.SID, Trust: trust}
	if len(keyMaterial) < crypto.PayloadKeySize+crypto.PayloadTagSize {
		return nil, fmt.Errorf("%w: key material of %d bytes", ErrAuthTag, len(keyMaterial))
	}
	if len(env.Payload) == 0 {
		out.KeyTransport = true
		return out, nil
	}

	key, tag := keyMaterial[:crypto.PayloadKeySize], keyMaterial[crypto.PayloadKeySize:]
	pt, err := crypto.OpenPayload(key, env.IV, env.Payload, tag)
	if err != nil {
		return nil, fmt.Errorf("%w: from %s/%s", ErrAuthTag, env.From, env.SID)
	}
	out.Plaintext = bytes.TrimRight(pt, "\x00")
	return out, nil
}

// scheduleRefresh tops up and republishes the bundle in the background.
// Requests made while a refresh runs are folded into one follow-up run.
func (o *Omemo) scheduleRefresh(ctx context.Context) {
	o.refreshMu.Lock()
	if o.refreshing {
		o.refreshPending = true
		o.refreshMu.Unlock()
		return
	}
	o.refreshing = true
	o.refreshMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		for {
			if err := o.refreshBundle(ctx); err != nil {
				o.log.Warn("bundle refresh failed", zap.Error(err))
			}
			o.refreshMu.Lock()
			if !o.refreshPending {
				o.refreshing = false
				o.refreshMu.Unlock()
				return
			}
			o.refreshPending = false
			o.refreshMu.Unlock()
		}
	}()
}

func (o *Omemo) refreshBundle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	b, err := o.bundles.RefreshBundle()
	if err != nil {
		return err
	}
	return o.bundles.PublishBundle(ctx, b)
}

// Wait blocks until background bundle refreshes have finished.
func (o *Omemo) Wait() { o.bg.Wait() }

// RefreshDeviceList fetches jid's published device list and records it.
func (o *Omemo) RefreshDeviceList(ctx context.Context, jid domain.JID) ([]domain.DeviceID, error) {
	ids, err := o.bundles.FetchDeviceList(ctx, jid)
	if err != nil {
		return nil, err
	}
	return o.HandleDeviceList(ctx, jid, ids)
}

// HandleDeviceList records a device list received for jid. When the list
// is our own and lacks the local device, the local device is added back and
// the list republished.
func (o *Omemo) HandleDeviceList(ctx context.Context, jid domain.JID, ids []domain.DeviceID) ([]domain.DeviceID, error) {
	if err := o.started(); err != nil {
		return nil, err
	}
	if jid == o.local.JID && !slices.Contains(ids, o.local.DeviceID) {
		ids = append(slices.Clone(ids), o.local.DeviceID)
		if err := o.bundles.PublishDeviceList(ctx, ids); err != nil {
			return nil, err
		}
		o.log.Info("own device list republished", zap.Stringer("device", o.local))
	}
	if err := o.keys.SetDeviceList(jid, ids); err != nil {
		return nil, err
	}
	return o.keys.DeviceList(jid)
}

// AggregateTrust returns the aggregate trust of jid's enabled devices.
func (o *Omemo) AggregateTrust(jid domain.JID) (domain.Trust, error) {
	return o.Peer(jid).AggregateTrust()
}

// TrustOnFirstUse runs trust on first use for jid.
func (o *Omemo) TrustOnFirstUse(ctx context.Context, jid domain.JID) (bool, error) {
	if err := o.started(); err != nil {
		return false, err
	}
	return o.Peer(jid).TrustOnFirstUse(ctx)
}

// SetTrust sets the trust of the device at addr.
func (o *Omemo) SetTrust(ctx context.Context, addr domain.Address, level domain.Trust) error {
	return o.Peer(addr.JID).Device(addr.DeviceID).SetTrust(ctx, level)
}

// Enable includes the device at addr in encryption.
func (o *Omemo) Enable(addr domain.Address) error {
	return o.Peer(addr.JID).Device(addr.DeviceID).Enable()
}

// Disable excludes the device at addr from encryption.
func (o *Omemo) Disable(addr domain.Address) error {
	return o.Peer(addr.JID).Device(addr.DeviceID).Disable()
}

// Fingerprint returns the identity fingerprint of the device at addr.
func (o *Omemo) Fingerprint(ctx context.Context, addr domain.Address) (domain.Fingerprint, error) {
	return o.resolver.Fingerprint(ctx, addr)
}

// DeviceInfo describes one device for display.
type DeviceInfo struct {
	Address     domain.Address
	Fingerprint domain.Fingerprint
	Trust       domain.Trust
	Disabled    bool
	LastUsed    time.Time
}

// Devices describes every known device of jid. Fingerprints are only
// reported when the identity key is on record.
func (o *Omemo) Devices(jid domain.JID) ([]DeviceInfo, error) {
	states, err := o.Peer(jid).states()
	if err != nil {
		return nil, err
	}
	out := make([]DeviceInfo, 0, len(states))
	for _, s := range states {
		fp, _, err := o.resolver.Stored(s.dev.addr)
		if err != nil {
			return nil, err
		}
		last, err := s.dev.LastUsed()
		if err != nil {
			return nil, err
		}
		out = append(out, DeviceInfo{
			Address:     s.dev.addr,
			Fingerprint: fp,
			Trust:       s.trust,
			Disabled:    s.disabled,
			LastUsed:    last,
		})
	}
	return out, nil
}

func randomKeyMaterial() ([]byte, error) {
	b := make([]byte, crypto.PayloadKeySize+crypto.PayloadTagSize)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
