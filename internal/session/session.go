package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"omemo/internal/domain"
	"omemo/internal/protocol/ratchet"
	"omemo/internal/protocol/x3dh"
	"omemo/internal/store"
)

var (
	// ErrNoSession is returned when encrypting or decrypting a normal message
	// without an established session.
	ErrNoSession = errors.New("no session")
	// ErrMalformedMessage is returned when a ratchet message cannot be parsed.
	ErrMalformedMessage = errors.New("malformed ratchet message")
	// ErrUnknownPreKey is returned when a pre-key message names a pre-key this
	// device does not hold.
	ErrUnknownPreKey = errors.New("unknown pre-key")
)

// Factory builds ratchet sessions whose state lives in a KeyStore.
type Factory struct {
	keys *store.KeyStore
}

// NewFactory returns a Factory over keys.
func NewFactory(keys *store.KeyStore) *Factory {
	return &Factory{keys: keys}
}

// Session returns the cipher for addr.
func (f *Factory) Session(addr domain.Address) domain.SessionCipher {
	return &Cipher{keys: f.keys, addr: addr}
}

// Cipher is an X3DH-bootstrapped Double Ratchet session with one device.
// It is not safe for concurrent use on the same address; callers hold
// KeyStore.LockSession.
type Cipher struct {
	keys *store.KeyStore
	addr domain.Address
}

// maxPreviousStates bounds how many replaced states a record keeps.
const maxPreviousStates = 8

// record is the persisted session: the active state and, newest first, the
// states it replaced. Two devices that start a session with each other at
// the same time each end up answering the other's exchange; the replaced
// states keep both exchanges decryptable until one wins.
type record struct {
	Current  *state   `json:"current"`
	Previous []*state `json:"previous,omitempty"`
}

// state is one X3DH exchange and the ratchet built on it.
type state struct {
	State          domain.RatchetState `json:"state"`
	RemoteIdentity store.Buffer        `json:"remote_identity"`
	AD             store.Buffer        `json:"ad"`
	// BaseKey identifies the X3DH exchange that created the state.
	BaseKey store.Buffer `json:"base_key"`
	// Pending is set on the initiator until the first reply arrives; every
	// message sent meanwhile carries the pre-key header.
	Pending *pendingPreKey `json:"pending,omitempty"`
}

// states returns the active state followed by the previous ones.
func (r *record) states() []*state {
	if r.Current == nil {
		return nil
	}
	return append([]*state{r.Current}, r.Previous...)
}

// push makes st the active state.
func (r *record) push(st *state) {
	if r.Current != nil {
		r.Previous = append([]*state{r.Current}, r.Previous...)
		if len(r.Previous) > maxPreviousStates {
			r.Previous = r.Previous[:maxPreviousStates]
		}
	}
	r.Current = st
}

// promote makes states()[i] the active state.
func (r *record) promote(i int) {
	if i == 0 {
		return
	}
	st := r.Previous[i-1]
	r.Previous = append(r.Previous[:i-1:i-1], r.Previous[i:]...)
	r.push(st)
}

type pendingPreKey struct {
	SignedPreKeyID domain.SignedPreKeyID `json:"spk_id"`
	PreKeyID       domain.PreKeyID       `json:"pk_id,omitempty"`
}

// Wire forms.
type message struct {
	Header domain.RatchetHeader `json:"h"`
	Body   []byte               `json:"c"`
}

type preKeyMessage struct {
	IdentityKey    []byte                `json:"ik"`
	BaseKey        []byte                `json:"ek"`
	SignedPreKeyID domain.SignedPreKeyID `json:"spk_id"`
	PreKeyID       domain.PreKeyID       `json:"pk_id,omitempty"`
	Message        message               `json:"m"`
}

// HasSession reports whether a session record exists.
func (c *Cipher) HasSession(context.Context) (bool, error) {
	_, err := c.keys.LoadSession(c.addr)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ProcessBundle runs X3DH against bundle and stores a new outbound session.
func (c *Cipher) ProcessBundle(_ context.Context, bundle domain.Bundle) error {
	local, err := c.keys.LocalIdentity()
	if err != nil {
		return fmt.Errorf("load local identity: %w", err)
	}
	in, err := x3dh.Initiate(local, bundle)
	if err != nil {
		return err
	}
	st, err := ratchet.InitAsInitiator(in.RootKey, bundle.IdentityKey)
	if err != nil {
		return err
	}
	rec, err := c.load()
	if errors.Is(err, ErrNoSession) {
		rec, err = &record{}, nil
	}
	if err != nil {
		return err
	}
	rec.push(&state{
		State:          st,
		RemoteIdentity: bundle.IdentityKey.Slice(),
		AD:             associatedData(local.XPub, bundle.IdentityKey),
		BaseKey:        in.BaseKey.Slice(),
		Pending:        &pendingPreKey{SignedPreKeyID: in.SignedPreKeyID, PreKeyID: in.PreKeyID},
	})
	return c.save(rec)
}

// Encrypt advances the sending chain.
func (c *Cipher) Encrypt(_ context.Context, plaintext []byte) (domain.Ciphertext, error) {
	rec, err := c.load()
	if err != nil {
		return domain.Ciphertext{}, err
	}
	st := rec.Current
	h, body, err := ratchet.Encrypt(&st.State, st.AD, plaintext)
	if err != nil {
		return domain.Ciphertext{}, err
	}
	msg := message{Header: h, Body: body}

	var (
		out  []byte
		wrap = st.Pending != nil
	)
	if wrap {
		local, err := c.keys.LocalIdentity()
		if err != nil {
			return domain.Ciphertext{}, fmt.Errorf("load local identity: %w", err)
		}
		out, err = json.Marshal(preKeyMessage{
			IdentityKey:    local.XPub.Slice(),
			BaseKey:        st.BaseKey,
			SignedPreKeyID: st.Pending.SignedPreKeyID,
			PreKeyID:       st.Pending.PreKeyID,
			Message:        msg,
		})
		if err != nil {
			return domain.Ciphertext{}, err
		}
	} else if out, err = json.Marshal(msg); err != nil {
		return domain.Ciphertext{}, err
	}

	if err := c.save(rec); err != nil {
		return domain.Ciphertext{}, err
	}
	return domain.Ciphertext{Data: out, PreKey: wrap}, nil
}

// Decrypt opens data with the active state, falling back to previous
// states; the state that opens it becomes active. State is only persisted
// when decryption succeeds.
func (c *Cipher) Decrypt(_ context.Context, data []byte, preKey bool) (domain.SessionResult, error) {
	if preKey {
		return c.decryptPreKey(data)
	}

	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.SessionResult{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	raw, err := c.loadRaw()
	if err != nil {
		return domain.SessionResult{}, err
	}

	var firstErr error
	for i := 0; ; i++ {
		// Each attempt starts from the stored state; a failed one may have
		// advanced its copy.
		rec, err := decodeRecord(c.addr, raw)
		if err != nil {
			return domain.SessionResult{}, err
		}
		states := rec.states()
		if i >= len(states) {
			break
		}
		st := states[i]
		pt, err := ratchet.Decrypt(&st.State, st.AD, msg.Header, msg.Body)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		// The remote side answered, so it holds this exchange.
		st.Pending = nil
		rec.promote(i)
		if err := c.save(rec); err != nil {
			return domain.SessionResult{}, err
		}
		return domain.SessionResult{Plaintext: pt}, nil
	}
	if firstErr == nil {
		firstErr = ErrNoSession
	}
	return domain.SessionResult{}, firstErr
}

func (c *Cipher) decryptPreKey(data []byte) (domain.SessionResult, error) {
	var pm preKeyMessage
	if err := json.Unmarshal(data, &pm); err != nil {
		return domain.SessionResult{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	remoteIdentity, err := domain.ParseX25519Public(pm.IdentityKey)
	if err != nil {
		return domain.SessionResult{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	baseKey, err := domain.ParseX25519Public(pm.BaseKey)
	if err != nil {
		return domain.SessionResult{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	rec, err := c.load()
	if errors.Is(err, ErrNoSession) {
		rec, err = &record{}, nil
	}
	if err != nil {
		return domain.SessionResult{}, err
	}

	// Further pre-key messages of an exchange we already answered reuse it.
	for i, st := range rec.states() {
		if string(st.BaseKey) != string(pm.BaseKey) {
			continue
		}
		pt, err := ratchet.Decrypt(&st.State, st.AD, pm.Message.Header, pm.Message.Body)
		if err != nil {
			return domain.SessionResult{}, err
		}
		rec.promote(i)
		if err := c.save(rec); err != nil {
			return domain.SessionResult{}, err
		}
		return domain.SessionResult{Plaintext: pt, RemoteIdentity: remoteIdentity}, nil
	}

	st, err := c.respond(remoteIdentity, baseKey, pm)
	if err != nil {
		return domain.SessionResult{}, err
	}
	pt, err := ratchet.Decrypt(&st.State, st.AD, pm.Message.Header, pm.Message.Body)
	if err != nil {
		return domain.SessionResult{}, err
	}
	rec.push(st)
	if err := c.save(rec); err != nil {
		return domain.SessionResult{}, err
	}
	return domain.SessionResult{
		Plaintext:        pt,
		RemoteIdentity:   remoteIdentity,
		ConsumedPreKeyID: pm.PreKeyID,
	}, nil
}

func (c *Cipher) respond(remoteIdentity, baseKey domain.X25519Public, pm preKeyMessage) (*state, error) {
	local, err := c.keys.LocalIdentity()
	if err != nil {
		return nil, fmt.Errorf("load local identity: %w", err)
	}
	spk, err := c.keys.LoadSignedPreKey(pm.SignedPreKeyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: signed pre-key %d", ErrUnknownPreKey, pm.SignedPreKeyID)
	}
	if err != nil {
		return nil, err
	}

	var opk *domain.X25519Private
	if pm.PreKeyID != 0 {
		pk, err := c.keys.LoadPreKey(pm.PreKeyID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: pre-key %d", ErrUnknownPreKey, pm.PreKeyID)
		}
		if err != nil {
			return nil, err
		}
		opk = &pk.Priv
	}

	root, err := x3dh.Respond(local, spk.Priv, opk, remoteIdentity, baseKey)
	if err != nil {
		return nil, err
	}
	var first domain.X25519Public
	if len(pm.Message.Header.DiffieHellmanPublicKey) != len(first) {
		return nil, fmt.Errorf("%w: ratchet key length", ErrMalformedMessage)
	}
	copy(first[:], pm.Message.Header.DiffieHellmanPublicKey)

	st, err := ratchet.InitAsResponder(root, local.XPriv, first)
	if err != nil {
		return nil, err
	}
	return &state{
		State:          st,
		RemoteIdentity: remoteIdentity.Slice(),
		AD:             associatedData(remoteIdentity, local.XPub),
		BaseKey:        baseKey.Slice(),
	}, nil
}

func (c *Cipher) loadRaw() ([]byte, error) {
	raw, err := c.keys.LoadSession(c.addr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSession
	}
	return raw, err
}

func (c *Cipher) load() (*record, error) {
	raw, err := c.loadRaw()
	if err != nil {
		return nil, err
	}
	return decodeRecord(c.addr, raw)
}

func decodeRecord(addr domain.Address, raw []byte) (*record, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", addr, err)
	}
	if rec.Current == nil {
		return nil, fmt.Errorf("decode session %s: no active state", addr)
	}
	return &rec, nil
}

func (c *Cipher) save(rec *record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.keys.StoreSession(c.addr, raw)
}

// associatedData is initiator identity ‖ responder identity.
func associatedData(initiator, responder domain.X25519Public) []byte {
	out := make([]byte, 0, 64)
	out = append(out, initiator[:]...)
	return append(out, responder[:]...)
}

// Compile-time assertions.
var (
	_ domain.SessionFactory = (*Factory)(nil)
	_ domain.SessionCipher  = (*Cipher)(nil)
)
