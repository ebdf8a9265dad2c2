// Package session implements the pairwise ratchet session behind
// domain.SessionCipher: X3DH against a published bundle to start, the Double
// Ratchet afterwards, with all state persisted in the KeyStore.
//
// Messages sent before the remote device has answered carry a pre-key header
// (sender identity key, base key and the pre-key ids used) so the remote side
// can build the session on receipt.
package session
