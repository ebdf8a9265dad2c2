package types

// KeyEntry is one recipient device's ratchet-encrypted copy of the
// AES key and authentication tag.
type KeyEntry struct {
	RID    DeviceID
	PreKey bool
	Data   []byte
}

// Envelope is the wire message: one IV and payload shared by every recipient
// and one key entry per recipient device.
//
// An empty Payload marks a key-transport message.
type Envelope struct {
	From    JID
	SID     DeviceID
	IV      []byte
	Payload []byte
	Keys    []KeyEntry
}

// Message is an outbound chat message.
//
// Encrypted is set once Envelope holds the ciphertext; until then Body is the
// unsent cleartext and Failure explains why encryption did not happen.
type Message struct {
	ID        string
	From      JID
	To        JID
	Body      []byte
	Encrypted bool
	Envelope  *Envelope
	Failure   error
}

// Decrypted is the result of opening an Envelope.
type Decrypted struct {
	From      JID
	SID       DeviceID
	Plaintext []byte
	// Trust is the sending device's trust at the time of decryption.
	Trust Trust
	// KeyTransport is set when the envelope carried no payload.
	KeyTransport bool
}

// Item is one entry of a publish-service node.
type Item struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

// Delivery is one envelope queued in a device's mailbox.
type Delivery struct {
	ID   string `json:"id"`
	From JID    `json:"from"`
	Data []byte `json:"data"`
}
