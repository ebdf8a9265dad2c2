package types

// Ciphertext is the output of a pairwise session encryption.
type Ciphertext struct {
	Data   []byte
	PreKey bool
}

// SessionResult is the output of a pairwise session decryption.
type SessionResult struct {
	Plaintext []byte
	// ConsumedPreKeyID is the local one-time pre-key the message used, or 0.
	ConsumedPreKeyID PreKeyID
	// RemoteIdentity is the sender's identity key when the message carried it.
	RemoteIdentity X25519Public
}
