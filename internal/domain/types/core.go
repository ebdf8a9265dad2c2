package types

import (
	"fmt"
	"strconv"
)

// JID is the bare account identity a set of devices belongs to.
type JID string

// String returns the string form of the JID.
func (j JID) String() string { return string(j) }

// DeviceID identifies one device of an account.
type DeviceID uint32

// String returns the decimal form of the device id.
func (id DeviceID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseDeviceID parses a decimal device id. Zero is not a valid id.
func ParseDeviceID(s string) (DeviceID, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse device id %q: %w", s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("parse device id %q: zero", s)
	}
	return DeviceID(v), nil
}

// Fingerprint is the hex digest of an identity public key presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// PreKeyID identifies a one-time pre-key.
type PreKeyID uint32

// SignedPreKeyID identifies a signed pre-key.
type SignedPreKeyID uint32

// Address is one (owner, device) endpoint.
type Address struct {
	JID      JID      `json:"jid"`
	DeviceID DeviceID `json:"device_id"`
}

// String returns "jid/device".
func (a Address) String() string { return a.JID.String() + "/" + a.DeviceID.String() }
