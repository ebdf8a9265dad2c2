package types

// PreKeyPair is a one-time pre-key held locally.
type PreKeyPair struct {
	ID   PreKeyID
	Priv X25519Private
	Pub  X25519Public
}

// PreKeyPublic is the public half of a one-time pre-key, as published.
type PreKeyPublic struct {
	ID  PreKeyID
	Pub X25519Public
}

// SignedPreKeyPair is a signed pre-key held locally.
type SignedPreKeyPair struct {
	ID        SignedPreKeyID
	Priv      X25519Private
	Pub       X25519Public
	Signature []byte
	CreatedAt int64
}

// SignedPreKeyPublic is the published half of a signed pre-key.
type SignedPreKeyPublic struct {
	ID        SignedPreKeyID
	Pub       X25519Public
	Signature []byte
}

// Bundle is the public key material a device publishes so others can open a
// session with it while it is offline.
type Bundle struct {
	IdentityKey  X25519Public
	SigningKey   Ed25519Public
	SignedPreKey SignedPreKeyPublic
	PreKeys      []PreKeyPublic
}
