package omemo

import (
	"sync"

	"omemo/internal/domain"
)

// registry holds the Peer of every account an Omemo instance has touched.
// Peers and their devices live as long as the instance.
type registry struct {
	mu    sync.Mutex
	peers map[domain.JID]*Peer
}

func (r *registry) get(jid domain.JID, mk func() *Peer) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[jid]; ok {
		return p
	}
	if r.peers == nil {
		r.peers = make(map[domain.JID]*Peer)
	}
	p := mk()
	r.peers[jid] = p
	return p
}
