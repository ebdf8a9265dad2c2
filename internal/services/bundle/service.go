package bundle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"omemo/internal/crypto"
	"omemo/internal/domain"
	"omemo/internal/store"
)

// DefaultPoolSize is the one-time pre-key pool target.
const DefaultPoolSize = 100

var (
	// ErrBundleUnavailable is returned when a remote bundle cannot be fetched:
	// the node held zero or several items, or the payload was invalid.
	ErrBundleUnavailable = errors.New("bundle unavailable")
	// ErrInvariantViolation is returned when local key material is in a state
	// that retrying cannot fix, such as more or fewer than one signed pre-key.
	ErrInvariantViolation = errors.New("key material invariant violated")
)

// Service manages pre-key pairs and builds, publishes and fetches bundles.
type Service struct {
	keys *store.KeyStore
	pub  domain.PublishService
	log  *zap.Logger

	// PoolSize is the one-time pre-key pool target.
	PoolSize int
}

// New returns a bundle service. A nil logger discards output.
func New(keys *store.KeyStore, pub domain.PublishService, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{keys: keys, pub: pub, log: log, PoolSize: DefaultPoolSize}
}

// GenerateBundle creates the signed pre-key and the full one-time pre-key
// pool for identity. It runs once, at account bootstrap.
func (s *Service) GenerateBundle(identity domain.Identity) (domain.Bundle, error) {
	existing, err := s.keys.SignedPreKeys()
	if err != nil {
		return domain.Bundle{}, err
	}
	if len(existing) != 0 {
		return domain.Bundle{}, fmt.Errorf("%w: %d signed pre-keys already stored", ErrInvariantViolation, len(existing))
	}

	spkID, err := RandomID(MaxPreKeyID, nil)
	if err != nil {
		return domain.Bundle{}, err
	}
	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.Bundle{}, err
	}
	spk := domain.SignedPreKeyPair{
		ID:        domain.SignedPreKeyID(spkID),
		Priv:      spkPriv,
		Pub:       spkPub,
		Signature: crypto.SignEd25519(identity.EdPriv, spkPub[:]),
		CreatedAt: time.Now().Unix(),
	}
	if err := s.keys.StoreSignedPreKey(spk); err != nil {
		return domain.Bundle{}, err
	}

	pks, err := s.topUp()
	if err != nil {
		return domain.Bundle{}, err
	}
	return assemble(identity, spk, pks), nil
}

// RefreshBundle tops the one-time pre-key pool back up to PoolSize,
// generating only the shortfall, and returns the current bundle.
func (s *Service) RefreshBundle() (domain.Bundle, error) {
	identity, err := s.keys.LocalIdentity()
	if err != nil {
		return domain.Bundle{}, fmt.Errorf("load local identity: %w", err)
	}
	spks, err := s.keys.SignedPreKeys()
	if err != nil {
		return domain.Bundle{}, err
	}
	if len(spks) != 1 {
		return domain.Bundle{}, fmt.Errorf("%w: %d signed pre-keys on record", ErrInvariantViolation, len(spks))
	}
	pks, err := s.topUp()
	if err != nil {
		return domain.Bundle{}, err
	}
	return assemble(identity, spks[0], pks), nil
}

// topUp generates one-time pre-keys until the pool holds PoolSize of them,
// never reusing an id that was issued before.
func (s *Service) topUp() ([]domain.PreKeyPair, error) {
	pks, err := s.keys.PreKeys()
	if err != nil {
		return nil, err
	}
	consumed, err := s.keys.ConsumedPreKeyIDs()
	if err != nil {
		return nil, err
	}
	exclude := make(map[uint32]struct{}, len(pks)+len(consumed))
	for _, pk := range pks {
		exclude[uint32(pk.ID)] = struct{}{}
	}
	for _, id := range consumed {
		exclude[uint32(id)] = struct{}{}
	}

	for len(pks) < s.PoolSize {
		id, err := RandomID(MaxPreKeyID, exclude)
		if err != nil {
			return nil, err
		}
		exclude[id] = struct{}{}

		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		pk := domain.PreKeyPair{ID: domain.PreKeyID(id), Priv: priv, Pub: pub}
		if err := s.keys.StorePreKey(pk); err != nil {
			return nil, err
		}
		pks = append(pks, pk)
	}
	return pks, nil
}

func assemble(identity domain.Identity, spk domain.SignedPreKeyPair, pks []domain.PreKeyPair) domain.Bundle {
	b := domain.Bundle{
		IdentityKey: identity.XPub,
		SigningKey:  identity.EdPub,
		SignedPreKey: domain.SignedPreKeyPublic{
			ID:        spk.ID,
			Pub:       spk.Pub,
			Signature: spk.Signature,
		},
		PreKeys: make([]domain.PreKeyPublic, 0, len(pks)),
	}
	for _, pk := range pks {
		b.PreKeys = append(b.PreKeys, domain.PreKeyPublic{ID: pk.ID, Pub: pk.Pub})
	}
	return b
}

// RequestBundle fetches the bundle published by addr.
func (s *Service) RequestBundle(ctx context.Context, addr domain.Address) (domain.Bundle, error) {
	items, err := s.pub.RetrieveItems(ctx, addr.JID, BundleNode(addr.DeviceID))
	if err != nil {
		return domain.Bundle{}, fmt.Errorf("%w: %s: %v", ErrBundleUnavailable, addr, err)
	}
	if len(items) != 1 {
		return domain.Bundle{}, fmt.Errorf("%w: %s: %d items", ErrBundleUnavailable, addr, len(items))
	}
	b, err := DecodeBundle(items[0].Payload)
	if err != nil {
		return domain.Bundle{}, fmt.Errorf("%w: %s: %v", ErrBundleUnavailable, addr, err)
	}
	return b, nil
}

// PublishBundle publishes b as the local device's bundle.
func (s *Service) PublishBundle(ctx context.Context, b domain.Bundle) error {
	local, err := s.keys.LocalAccount()
	if err != nil {
		return fmt.Errorf("load local account: %w", err)
	}
	payload, err := EncodeBundle(b)
	if err != nil {
		return err
	}
	if err := s.pub.Publish(ctx, BundleNode(local.DeviceID), domain.Item{ID: currentItemID, Payload: payload}); err != nil {
		return fmt.Errorf("publish bundle: %w", err)
	}
	s.log.Debug("bundle published", zap.Stringer("device", local), zap.Int("prekeys", len(b.PreKeys)))
	return nil
}

// FetchDeviceList returns the device ids owner has published.
func (s *Service) FetchDeviceList(ctx context.Context, owner domain.JID) ([]domain.DeviceID, error) {
	items, err := s.pub.RetrieveItems(ctx, owner, DeviceListNode)
	if err != nil {
		return nil, fmt.Errorf("fetch device list of %s: %w", owner, err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	item := items[len(items)-1]
	for _, it := range items {
		if it.ID == currentItemID {
			item = it
		}
	}
	ids, err := decodeDeviceList(item.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode device list of %s: %w", owner, err)
	}
	return ids, nil
}

// PublishDeviceList replaces the local account's published device list.
func (s *Service) PublishDeviceList(ctx context.Context, ids []domain.DeviceID) error {
	payload, err := encodeDeviceList(ids)
	if err != nil {
		return err
	}
	if err := s.pub.Publish(ctx, DeviceListNode, domain.Item{ID: currentItemID, Payload: payload}); err != nil {
		return fmt.Errorf("publish device list: %w", err)
	}
	return nil
}

// PublishDeviceID adds the local device id to the published device list
// unless it is already there. It returns the resulting list.
func (s *Service) PublishDeviceID(ctx context.Context) ([]domain.DeviceID, error) {
	local, err := s.keys.LocalAccount()
	if err != nil {
		return nil, fmt.Errorf("load local account: %w", err)
	}
	ids, err := s.FetchDeviceList(ctx, local.JID)
	if err != nil {
		return nil, err
	}
	if slices.Contains(ids, local.DeviceID) {
		return ids, nil
	}
	ids = append(ids, local.DeviceID)
	if err := s.PublishDeviceList(ctx, ids); err != nil {
		return nil, err
	}
	s.log.Info("device id published", zap.Stringer("device", local))
	return ids, nil
}

// DeleteDeviceList removes the local account's device list node.
func (s *Service) DeleteDeviceList(ctx context.Context) error {
	if err := s.pub.Delete(ctx, DeviceListNode); err != nil {
		return fmt.Errorf("delete device list: %w", err)
	}
	return nil
}
