package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"omemo/internal/domain"
)

// Key layout.
const (
	keyLocalIdentity = "identity:local"
	keyLocalAccount  = "account:local"
	prefixDeviceList = "devicelist:"
	prefixTrust      = "trust:"
	prefixDisabled   = "disabled:"
	prefixIdentity   = "identitykey:"
	prefixPreKey     = "prekey:"
	prefixConsumed   = "prekeyused:"
	prefixSigned     = "signedprekey:"
	prefixPeerUsed   = "peerused:"
	prefixSession    = "session:"
	prefixLastUsed   = "lastused:"
)

// KeyStore is the typed view over a Backend holding every piece of
// persistent state: the local identity, pre-keys, remote identity keys,
// device lists, the trust matrix and session records.
//
// Read-modify-write updates (trust, device lists) are serialised per key.
// Session access is serialised per address by callers via LockSession.
type KeyStore struct {
	backend Backend

	writes   keyedLocks
	sessions keyedLocks
}

// NewKeyStore returns a KeyStore over backend.
func NewKeyStore(backend Backend) *KeyStore {
	return &KeyStore{backend: backend}
}

// Internal record types.
type identityRecord struct {
	XPub   Buffer `json:"xpub"`
	XPriv  Buffer `json:"xpriv"`
	EdPub  Buffer `json:"edpub"`
	EdPriv Buffer `json:"edpriv"`
}

type accountRecord struct {
	JID      domain.JID      `json:"jid"`
	DeviceID domain.DeviceID `json:"device_id"`
}

type preKeyRecord struct {
	ID   domain.PreKeyID `json:"id"`
	Priv Buffer          `json:"priv"`
	Pub  Buffer          `json:"pub"`
}

type signedPreKeyRecord struct {
	ID        domain.SignedPreKeyID `json:"id"`
	Priv      Buffer                `json:"priv"`
	Pub       Buffer                `json:"pub"`
	Signature Buffer                `json:"sig"`
	CreatedAt int64                 `json:"created_at"`
}

// trustRecord maps each level to the fingerprints holding it.
type trustRecord map[domain.Trust][]domain.Fingerprint

func addrKey(prefix string, addr domain.Address) string {
	return prefix + string(addr.JID) + ":" + addr.DeviceID.String()
}

func (s *KeyStore) get(key string, out any) error {
	b, ok, err := s.backend.Get(key)
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *KeyStore) put(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.backend.Put(key, b); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *KeyStore) has(key string) (bool, error) {
	_, ok, err := s.backend.Get(key)
	return ok, err
}

// --- local identity ---

// LocalIdentity returns the local identity, or ErrNotFound before Init.
func (s *KeyStore) LocalIdentity() (domain.Identity, error) {
	var rec identityRecord
	if err := s.get(keyLocalIdentity, &rec); err != nil {
		return domain.Identity{}, err
	}
	var (
		id   domain.Identity
		errs []error
		err  error
	)
	id.XPub, err = domain.ParseX25519Public(rec.XPub)
	errs = append(errs, err)
	id.XPriv, err = domain.ParseX25519Private(rec.XPriv)
	errs = append(errs, err)
	id.EdPub, err = domain.ParseEd25519Public(rec.EdPub)
	errs = append(errs, err)
	if len(rec.EdPriv) != len(id.EdPriv) {
		errs = append(errs, fmt.Errorf("ed25519 private: want %d bytes, got %d", len(id.EdPriv), len(rec.EdPriv)))
	}
	copy(id.EdPriv[:], rec.EdPriv)
	if err := errors.Join(errs...); err != nil {
		return domain.Identity{}, fmt.Errorf("decode local identity: %w", err)
	}
	return id, nil
}

// SetLocalIdentity stores the local identity and account address, records
// the identity key under the local device address and marks the local
// fingerprint Confirmed.
func (s *KeyStore) SetLocalIdentity(addr domain.Address, id domain.Identity, fp domain.Fingerprint) error {
	rec := identityRecord{
		XPub:   id.XPub.Slice(),
		XPriv:  id.XPriv.Slice(),
		EdPub:  id.EdPub.Slice(),
		EdPriv: id.EdPriv.Slice(),
	}
	if err := s.put(keyLocalIdentity, rec); err != nil {
		return err
	}
	if err := s.SetLocalAccount(addr); err != nil {
		return err
	}
	if err := s.SaveIdentityKey(addr, id.XPub); err != nil {
		return err
	}
	return s.SetTrust(addr.JID, fp, domain.TrustConfirmed)
}

// LocalAccount returns the local account address, or ErrNotFound.
func (s *KeyStore) LocalAccount() (domain.Address, error) {
	var rec accountRecord
	if err := s.get(keyLocalAccount, &rec); err != nil {
		return domain.Address{}, err
	}
	return domain.Address{JID: rec.JID, DeviceID: rec.DeviceID}, nil
}

// SetLocalAccount stores the local account address.
func (s *KeyStore) SetLocalAccount(addr domain.Address) error {
	return s.put(keyLocalAccount, accountRecord{JID: addr.JID, DeviceID: addr.DeviceID})
}

// --- device lists ---

// DeviceList returns the known device ids of jid; empty when none.
func (s *KeyStore) DeviceList(jid domain.JID) ([]domain.DeviceID, error) {
	var ids []domain.DeviceID
	err := s.get(prefixDeviceList+string(jid), &ids)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return ids, err
}

// SetDeviceList replaces the device ids of jid.
func (s *KeyStore) SetDeviceList(jid domain.JID, ids []domain.DeviceID) error {
	unlock := s.writes.lock(prefixDeviceList + string(jid))
	defer unlock()
	return s.put(prefixDeviceList+string(jid), normaliseIDs(ids))
}

// UpdateDeviceList applies fn to the stored list of jid atomically and
// returns the stored result.
func (s *KeyStore) UpdateDeviceList(jid domain.JID, fn func([]domain.DeviceID) []domain.DeviceID) ([]domain.DeviceID, error) {
	unlock := s.writes.lock(prefixDeviceList + string(jid))
	defer unlock()
	cur, err := s.DeviceList(jid)
	if err != nil {
		return nil, err
	}
	next := normaliseIDs(fn(cur))
	if err := s.put(prefixDeviceList+string(jid), next); err != nil {
		return nil, err
	}
	return next, nil
}

func normaliseIDs(ids []domain.DeviceID) []domain.DeviceID {
	seen := make(map[domain.DeviceID]struct{}, len(ids))
	out := make([]domain.DeviceID, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == 0 {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// --- trust matrix ---

// Trust returns the level fp holds for jid; TrustUnknown when unrecorded.
func (s *KeyStore) Trust(jid domain.JID, fp domain.Fingerprint) (domain.Trust, error) {
	m, err := s.trustMatrix(jid)
	if err != nil {
		return domain.TrustUnknown, err
	}
	for level, fps := range m {
		for _, f := range fps {
			if f == fp {
				return level, nil
			}
		}
	}
	return domain.TrustUnknown, nil
}

// SetTrust moves fp to level for jid. Levels are exclusive.
func (s *KeyStore) SetTrust(jid domain.JID, fp domain.Fingerprint, level domain.Trust) error {
	if !level.Valid() {
		return fmt.Errorf("set trust: invalid level %d", int(level))
	}
	unlock := s.writes.lock(prefixTrust + string(jid))
	defer unlock()

	m, err := s.trustMatrix(jid)
	if err != nil {
		return err
	}
	for l, fps := range m {
		kept := fps[:0]
		for _, f := range fps {
			if f != fp {
				kept = append(kept, f)
			}
		}
		if len(kept) == 0 {
			delete(m, l)
		} else {
			m[l] = kept
		}
	}
	m[level] = append(m[level], fp)
	return s.put(prefixTrust+string(jid), m)
}

// TrustMatrix returns a copy of jid's trust matrix.
func (s *KeyStore) TrustMatrix(jid domain.JID) (map[domain.Trust][]domain.Fingerprint, error) {
	return s.trustMatrix(jid)
}

func (s *KeyStore) trustMatrix(jid domain.JID) (trustRecord, error) {
	m := trustRecord{}
	err := s.get(prefixTrust+string(jid), &m)
	if errors.Is(err, ErrNotFound) {
		return trustRecord{}, nil
	}
	return m, err
}

// --- enable / disable ---

// Disable marks the device as excluded from encryption.
func (s *KeyStore) Disable(addr domain.Address) error {
	return s.put(addrKey(prefixDisabled, addr), true)
}

// Enable clears the disabled mark.
func (s *KeyStore) Enable(addr domain.Address) error {
	return s.backend.Delete(addrKey(prefixDisabled, addr))
}

// IsDisabled reports whether the device is disabled.
func (s *KeyStore) IsDisabled(addr domain.Address) (bool, error) {
	return s.has(addrKey(prefixDisabled, addr))
}

// --- remote identity keys ---

// IdentityKey returns the recorded identity key of addr, or ErrNotFound.
func (s *KeyStore) IdentityKey(addr domain.Address) (domain.X25519Public, error) {
	var b Buffer
	if err := s.get(addrKey(prefixIdentity, addr), &b); err != nil {
		return domain.X25519Public{}, err
	}
	return domain.ParseX25519Public(b)
}

// SaveIdentityKey records the identity key of addr.
func (s *KeyStore) SaveIdentityKey(addr domain.Address, key domain.X25519Public) error {
	return s.put(addrKey(prefixIdentity, addr), Buffer(key.Slice()))
}

// --- one-time pre-keys ---

// PreKeys returns every stored one-time pre-key, ordered by id.
func (s *KeyStore) PreKeys() ([]domain.PreKeyPair, error) {
	keys, err := s.backend.Keys(prefixPreKey)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PreKeyPair, 0, len(keys))
	for _, k := range keys {
		var rec preKeyRecord
		if err := s.get(k, &rec); err != nil {
			return nil, err
		}
		pk, err := rec.pair()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		out = append(out, pk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadPreKey returns one-time pre-key id, or ErrNotFound.
func (s *KeyStore) LoadPreKey(id domain.PreKeyID) (domain.PreKeyPair, error) {
	var rec preKeyRecord
	if err := s.get(preKeyKey(id), &rec); err != nil {
		return domain.PreKeyPair{}, err
	}
	return rec.pair()
}

// StorePreKey stores a one-time pre-key.
func (s *KeyStore) StorePreKey(pk domain.PreKeyPair) error {
	return s.put(preKeyKey(pk.ID), preKeyRecord{ID: pk.ID, Priv: pk.Priv.Slice(), Pub: pk.Pub.Slice()})
}

// RemovePreKey deletes a one-time pre-key and remembers its id so it is
// never issued again.
func (s *KeyStore) RemovePreKey(id domain.PreKeyID) error {
	if err := s.put(prefixConsumed+strconv.FormatUint(uint64(id), 10), true); err != nil {
		return err
	}
	return s.backend.Delete(preKeyKey(id))
}

// ConsumedPreKeyIDs returns the ids of every removed one-time pre-key.
func (s *KeyStore) ConsumedPreKeyIDs() ([]domain.PreKeyID, error) {
	keys, err := s.backend.Keys(prefixConsumed)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PreKeyID, 0, len(keys))
	for _, k := range keys {
		v, err := strconv.ParseUint(strings.TrimPrefix(k, prefixConsumed), 10, 32)
		if err != nil {
			continue
		}
		out = append(out, domain.PreKeyID(v))
	}
	return out, nil
}

func preKeyKey(id domain.PreKeyID) string {
	return prefixPreKey + strconv.FormatUint(uint64(id), 10)
}

func (r preKeyRecord) pair() (domain.PreKeyPair, error) {
	priv, err := domain.ParseX25519Private(r.Priv)
	if err != nil {
		return domain.PreKeyPair{}, err
	}
	pub, err := domain.ParseX25519Public(r.Pub)
	if err != nil {
		return domain.PreKeyPair{}, err
	}
	return domain.PreKeyPair{ID: r.ID, Priv: priv, Pub: pub}, nil
}

// --- signed pre-keys ---

// SignedPreKeys returns every stored signed pre-key, ordered by id.
func (s *KeyStore) SignedPreKeys() ([]domain.SignedPreKeyPair, error) {
	keys, err := s.backend.Keys(prefixSigned)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SignedPreKeyPair, 0, len(keys))
	for _, k := range keys {
		var rec signedPreKeyRecord
		if err := s.get(k, &rec); err != nil {
			return nil, err
		}
		spk, err := rec.pair()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		out = append(out, spk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadSignedPreKey returns signed pre-key id, or ErrNotFound.
func (s *KeyStore) LoadSignedPreKey(id domain.SignedPreKeyID) (domain.SignedPreKeyPair, error) {
	var rec signedPreKeyRecord
	if err := s.get(signedPreKeyKey(id), &rec); err != nil {
		return domain.SignedPreKeyPair{}, err
	}
	return rec.pair()
}

// StoreSignedPreKey stores a signed pre-key.
func (s *KeyStore) StoreSignedPreKey(spk domain.SignedPreKeyPair) error {
	return s.put(signedPreKeyKey(spk.ID), signedPreKeyRecord{
		ID:        spk.ID,
		Priv:      spk.Priv.Slice(),
		Pub:       spk.Pub.Slice(),
		Signature: spk.Signature,
		CreatedAt: spk.CreatedAt,
	})
}

// RemoveSignedPreKey deletes a signed pre-key.
func (s *KeyStore) RemoveSignedPreKey(id domain.SignedPreKeyID) error {
	return s.backend.Delete(signedPreKeyKey(id))
}

func signedPreKeyKey(id domain.SignedPreKeyID) string {
	return prefixSigned + strconv.FormatUint(uint64(id), 10)
}

func (r signedPreKeyRecord) pair() (domain.SignedPreKeyPair, error) {
	priv, err := domain.ParseX25519Private(r.Priv)
	if err != nil {
		return domain.SignedPreKeyPair{}, err
	}
	pub, err := domain.ParseX25519Public(r.Pub)
	if err != nil {
		return domain.SignedPreKeyPair{}, err
	}
	return domain.SignedPreKeyPair{
		ID:        r.ID,
		Priv:      priv,
		Pub:       pub,
		Signature: append([]byte(nil), r.Signature...),
		CreatedAt: r.CreatedAt,
	}, nil
}

// --- peer TOFU marker ---

// IsPeerUsed reports whether trust-on-first-use already ran for jid.
func (s *KeyStore) IsPeerUsed(jid domain.JID) (bool, error) {
	return s.has(prefixPeerUsed + string(jid))
}

// SetPeerUsed records that trust-on-first-use ran for jid.
func (s *KeyStore) SetPeerUsed(jid domain.JID) error {
	return s.put(prefixPeerUsed+string(jid), true)
}

// --- sessions ---

// LockSession blocks until the caller holds addr's session exclusively and
// returns the release func.
func (s *KeyStore) LockSession(addr domain.Address) func() {
	return s.sessions.lock(addr.String())
}

// LoadSession returns the opaque session record of addr, or ErrNotFound.
func (s *KeyStore) LoadSession(addr domain.Address) ([]byte, error) {
	var b Buffer
	if err := s.get(addrKey(prefixSession, addr), &b); err != nil {
		return nil, err
	}
	return b, nil
}

// StoreSession stores the opaque session record of addr.
func (s *KeyStore) StoreSession(addr domain.Address, record []byte) error {
	return s.put(addrKey(prefixSession, addr), Buffer(record))
}

// RemoveSession deletes the session record of addr.
func (s *KeyStore) RemoveSession(addr domain.Address) error {
	return s.backend.Delete(addrKey(prefixSession, addr))
}

// SessionAddresses lists every address with a stored session for jid.
func (s *KeyStore) SessionAddresses(jid domain.JID) ([]domain.Address, error) {
	prefix := prefixSession + string(jid) + ":"
	keys, err := s.backend.Keys(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Address, 0, len(keys))
	for _, k := range keys {
		id, err := domain.ParseDeviceID(strings.TrimPrefix(k, prefix))
		if err != nil {
			continue
		}
		out = append(out, domain.Address{JID: jid, DeviceID: id})
	}
	return out, nil
}

// --- last use ---

// LastUsed returns when addr last completed an encrypt or decrypt; the zero
// time when never.
func (s *KeyStore) LastUsed(addr domain.Address) (time.Time, error) {
	var t time.Time
	err := s.get(addrKey(prefixLastUsed, addr), &t)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, nil
	}
	return t, err
}

// SetLastUsed records t as addr's last use.
func (s *KeyStore) SetLastUsed(addr domain.Address, t time.Time) error {
	return s.put(addrKey(prefixLastUsed, addr), t.UTC())
}
