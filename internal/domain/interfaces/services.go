package interfaces

import (
	"context"

	domaintypes "omemo/internal/domain/types"
)

// SessionCipher is one pairwise ratchet session with a single remote device.
//
// Implementations persist their own state; callers serialise access per
// address.
type SessionCipher interface {
	// HasSession reports whether a session with the remote device exists.
	HasSession(ctx context.Context) (bool, error)
	// ProcessBundle establishes an outbound session from a published bundle.
	ProcessBundle(ctx context.Context, bundle domaintypes.Bundle) error
	// Encrypt ratchet-encrypts plaintext. PreKey is set while the remote
	// side has not yet acknowledged the session.
	Encrypt(ctx context.Context, plaintext []byte) (domaintypes.Ciphertext, error)
	// Decrypt opens a ratchet message, creating an inbound session when
	// preKey is set.
	Decrypt(ctx context.Context, data []byte, preKey bool) (domaintypes.SessionResult, error)
}

// SessionFactory hands out session ciphers by remote address.
type SessionFactory interface {
	Session(addr domaintypes.Address) SessionCipher
}

// PublishService is the per-account publish/subscribe directory used for
// device lists and bundles. Publishing always targets the caller's own
// account.
type PublishService interface {
	// Publish stores item on node, replacing an item with the same id.
	Publish(ctx context.Context, node string, item domaintypes.Item) error
	// RetrieveItems returns all items of owner's node. A missing node yields
	// no items and no error.
	RetrieveItems(ctx context.Context, owner domaintypes.JID, node string) ([]domaintypes.Item, error)
	// Delete removes the caller's node.
	Delete(ctx context.Context, node string) error
}

// Mailbox queues serialised envelopes for individual devices. Each device
// has its own queue, so acking on one device never hides a message from
// another device of the same account.
type Mailbox interface {
	SendMessage(ctx context.Context, to domaintypes.Address, data []byte) error
	// FetchMessages returns up to limit deliveries queued for device of the
	// owning account, oldest first; limit <= 0 means all.
	FetchMessages(ctx context.Context, device domaintypes.DeviceID, limit int) ([]domaintypes.Delivery, error)
	AckMessages(ctx context.Context, device domaintypes.DeviceID, ids []string) error
}
