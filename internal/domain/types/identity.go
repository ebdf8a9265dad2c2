package types

// Identity holds a device's long-term X25519 and Ed25519 keys.
//
// The X25519 public key is what peers fingerprint and trust; the Ed25519 key
// signs the signed pre-key.
type Identity struct {
	XPub   X25519Public
	XPriv  X25519Private
	EdPub  Ed25519Public
	EdPriv Ed25519Private
}
