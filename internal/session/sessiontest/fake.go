// Package sessiontest provides an in-memory SessionFactory that performs no
// cryptography, for exercising orchestration code.
package sessiontest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"omemo/internal/domain"
	"omemo/internal/session"
)

// Factory hands out fake sessions for one local device. Ciphertexts are the
// JSON encoding of the plaintext plus the local identity key.
type Factory struct {
	identity domain.X25519Public

	mu       sync.Mutex
	sessions map[domain.Address]*state
	fail     map[domain.Address]error
	bundles  map[domain.Address]int
}

type state struct {
	pending  bool
	preKeyID domain.PreKeyID
}

type wire struct {
	Identity []byte          `json:"ik,omitempty"`
	PreKeyID domain.PreKeyID `json:"pk,omitempty"`
	Body     []byte          `json:"body"`
}

// NewFactory returns a Factory whose pre-key messages announce identity.
func NewFactory(identity domain.X25519Public) *Factory {
	return &Factory{
		identity: identity,
		sessions: make(map[domain.Address]*state),
		fail:     make(map[domain.Address]error),
		bundles:  make(map[domain.Address]int),
	}
}

// Fail makes every later operation on addr return err. A nil err clears it.
func (f *Factory) Fail(addr domain.Address, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, addr)
		return
	}
	f.fail[addr] = err
}

// BundlesProcessed reports how many bundles were processed for addr.
func (f *Factory) BundlesProcessed(addr domain.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bundles[addr]
}

// Session returns the fake cipher for addr.
func (f *Factory) Session(addr domain.Address) domain.SessionCipher {
	return &cipher{f: f, addr: addr}
}

type cipher struct {
	f    *Factory
	addr domain.Address
}

func (c *cipher) HasSession(context.Context) (bool, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if err := c.f.fail[c.addr]; err != nil {
		return false, err
	}
	_, ok := c.f.sessions[c.addr]
	return ok, nil
}

func (c *cipher) ProcessBundle(_ context.Context, b domain.Bundle) error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if err := c.f.fail[c.addr]; err != nil {
		return err
	}
	st := &state{pending: true}
	if len(b.PreKeys) > 0 {
		st.preKeyID = b.PreKeys[0].ID
	}
	c.f.sessions[c.addr] = st
	c.f.bundles[c.addr]++
	return nil
}

func (c *cipher) Encrypt(_ context.Context, plaintext []byte) (domain.Ciphertext, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if err := c.f.fail[c.addr]; err != nil {
		return domain.Ciphertext{}, err
	}
	st, ok := c.f.sessions[c.addr]
	if !ok {
		return domain.Ciphertext{}, session.ErrNoSession
	}
	w := wire{Body: plaintext}
	if st.pending {
		w.Identity = c.f.identity.Slice()
		w.PreKeyID = st.preKeyID
	}
	data, err := json.Marshal(w)
	if err != nil {
		return domain.Ciphertext{}, err
	}
	return domain.Ciphertext{Data: data, PreKey: st.pending}, nil
}

func (c *cipher) Decrypt(_ context.Context, data []byte, preKey bool) (domain.SessionResult, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if err := c.f.fail[c.addr]; err != nil {
		return domain.SessionResult{}, err
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.SessionResult{}, fmt.Errorf("%w: %v", session.ErrMalformedMessage, err)
	}

	st, ok := c.f.sessions[c.addr]
	if !preKey {
		if !ok {
			return domain.SessionResult{}, session.ErrNoSession
		}
		st.pending = false
		return domain.SessionResult{Plaintext: w.Body}, nil
	}

	ik, err := domain.ParseX25519Public(w.Identity)
	if err != nil {
		return domain.SessionResult{}, fmt.Errorf("%w: %v", session.ErrMalformedMessage, err)
	}
	res := domain.SessionResult{Plaintext: w.Body, RemoteIdentity: ik}
	if !ok {
		c.f.sessions[c.addr] = &state{}
		res.ConsumedPreKeyID = w.PreKeyID
	}
	return res, nil
}

// Compile-time assertion.
var _ domain.SessionFactory = (*Factory)(nil)
