package bundle

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"omemo/internal/domain"
)

// Node names on the publish service.
const (
	DeviceListNode   = "eu.siacs.conversations.axolotl.devicelist"
	bundleNodePrefix = "eu.siacs.conversations.axolotl.bundles:"
	currentItemID    = "current"
)

// BundleNode returns the node holding device id's bundle.
func BundleNode(id domain.DeviceID) string { return bundleNodePrefix + id.String() }

type bundlePayload struct {
	IdentityKey  []byte          `json:"identity_key"`
	SigningKey   []byte          `json:"signing_key"`
	SignedPreKey signedPayload   `json:"signed_pre_key"`
	PreKeys      []preKeyPayload `json:"pre_keys"`
}

type signedPayload struct {
	ID        domain.SignedPreKeyID `json:"id"`
	Pub       []byte                `json:"pub"`
	Signature []byte                `json:"sig"`
}

type preKeyPayload struct {
	ID  domain.PreKeyID `json:"id"`
	Pub []byte          `json:"pub"`
}

type deviceListPayload struct {
	Devices []domain.DeviceID `json:"devices"`
}

// EncodeBundle serialises b for publishing.
func EncodeBundle(b domain.Bundle) ([]byte, error) {
	p := bundlePayload{
		IdentityKey: b.IdentityKey.Slice(),
		SigningKey:  b.SigningKey.Slice(),
		SignedPreKey: signedPayload{
			ID:        b.SignedPreKey.ID,
			Pub:       b.SignedPreKey.Pub.Slice(),
			Signature: b.SignedPreKey.Signature,
		},
		PreKeys: make([]preKeyPayload, 0, len(b.PreKeys)),
	}
	for _, pk := range b.PreKeys {
		p.PreKeys = append(p.PreKeys, preKeyPayload{ID: pk.ID, Pub: pk.Pub.Slice()})
	}
	return json.Marshal(p)
}

// DecodeBundle parses and validates a published bundle.
func DecodeBundle(raw []byte) (domain.Bundle, error) {
	var p bundlePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Bundle{}, err
	}
	var (
		b   domain.Bundle
		err error
	)
	if b.IdentityKey, err = domain.ParseX25519Public(p.IdentityKey); err != nil {
		return domain.Bundle{}, fmt.Errorf("identity key: %w", err)
	}
	if b.SigningKey, err = domain.ParseEd25519Public(p.SigningKey); err != nil {
		return domain.Bundle{}, fmt.Errorf("signing key: %w", err)
	}
	if len(p.SignedPreKey.Signature) != ed25519.SignatureSize {
		return domain.Bundle{}, fmt.Errorf("signed pre-key signature: want %d bytes, got %d", ed25519.SignatureSize, len(p.SignedPreKey.Signature))
	}
	b.SignedPreKey.ID = p.SignedPreKey.ID
	b.SignedPreKey.Signature = p.SignedPreKey.Signature
	if b.SignedPreKey.Pub, err = domain.ParseX25519Public(p.SignedPreKey.Pub); err != nil {
		return domain.Bundle{}, fmt.Errorf("signed pre-key: %w", err)
	}
	for _, pk := range p.PreKeys {
		if pk.ID == 0 || pk.ID > MaxPreKeyID {
			return domain.Bundle{}, fmt.Errorf("pre-key id %d out of range", pk.ID)
		}
		pub, err := domain.ParseX25519Public(pk.Pub)
		if err != nil {
			return domain.Bundle{}, fmt.Errorf("pre-key %d: %w", pk.ID, err)
		}
		b.PreKeys = append(b.PreKeys, domain.PreKeyPublic{ID: pk.ID, Pub: pub})
	}
	return b, nil
}

func encodeDeviceList(ids []domain.DeviceID) ([]byte, error) {
	if ids == nil {
		ids = []domain.DeviceID{}
	}
	return json.Marshal(deviceListPayload{Devices: ids})
}

func decodeDeviceList(raw []byte) ([]domain.DeviceID, error) {
	var p deviceListPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	for _, id := range p.Devices {
		if id == 0 || id > MaxDeviceID {
			return nil, fmt.Errorf("device id %d out of range", id)
		}
	}
	return p.Devices, nil
}
