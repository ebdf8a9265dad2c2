// Package pubsub provides an in-memory publish service: per-owner nodes of
// items, where publishing an item id that already exists replaces it.
package pubsub

import (
	"context"
	"errors"
	"sync"

	"omemo/internal/domain"
)

// ErrNoOwner is returned when a client publishes without an owner.
var ErrNoOwner = errors.New("publish requires an owner")

type nodeKey struct {
	owner domain.JID
	node  string
}

// Memory is the shared directory; Client binds it to one publishing account.
type Memory struct {
	mu    sync.RWMutex
	nodes map[nodeKey][]domain.Item
}

// NewMemory returns an empty directory.
func NewMemory() *Memory {
	return &Memory{nodes: make(map[nodeKey][]domain.Item)}
}

// Put stores item on owner's node.
func (m *Memory) Put(owner domain.JID, node string, item domain.Item) error {
	if owner == "" {
		return ErrNoOwner
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := nodeKey{owner, node}
	item = cloneItem(item)
	items := m.nodes[k]
	for i := range items {
		if items[i].ID == item.ID {
			items[i] = item
			return nil
		}
	}
	m.nodes[k] = append(items, item)
	return nil
}

// Items returns a copy of owner's node.
func (m *Memory) Items(owner domain.JID, node string) []domain.Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := m.nodes[nodeKey{owner, node}]
	out := make([]domain.Item, 0, len(items))
	for _, it := range items {
		out = append(out, cloneItem(it))
	}
	return out
}

// Remove deletes owner's node.
func (m *Memory) Remove(owner domain.JID, node string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeKey{owner, node})
}

// Client returns the publish service of owner.
func (m *Memory) Client(owner domain.JID) *Client {
	return &Client{m: m, owner: owner}
}

func cloneItem(it domain.Item) domain.Item {
	return domain.Item{ID: it.ID, Payload: append([]byte(nil), it.Payload...)}
}

// Client is one account's view of a Memory directory.
type Client struct {
	m     *Memory
	owner domain.JID
}

// Publish stores item on the client's own node.
func (c *Client) Publish(ctx context.Context, node string, item domain.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.m.Put(c.owner, node, item)
}

// RetrieveItems returns the items of owner's node.
func (c *Client) RetrieveItems(ctx context.Context, owner domain.JID, node string) ([]domain.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.m.Items(owner, node), nil
}

// Delete removes the client's own node.
func (c *Client) Delete(ctx context.Context, node string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.m.Remove(c.owner, node)
	return nil
}

// Compile-time assertion that Client implements domain.PublishService.
var _ domain.PublishService = (*Client)(nil)
