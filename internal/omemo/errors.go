package omemo

import (
	"errors"
	"fmt"
)

var (
	// ErrTrustBlocked is returned when encryption is refused because of the
	// trust state of the remote or local devices. A trust action by the user
	// resolves it; retrying does not.
	ErrTrustBlocked = errors.New("trust blocked")
	// ErrUnverifiedDevices is returned when a remote device has Unknown trust.
	ErrUnverifiedDevices = fmt.Errorf("%w: peer has unverified devices", ErrTrustBlocked)
	// ErrPeerIgnored is returned when every enabled remote device is Ignored.
	ErrPeerIgnored = fmt.Errorf("%w: peer is ignored", ErrTrustBlocked)
	// ErrLocalUnverified is returned when one of our own devices has Unknown trust.
	ErrLocalUnverified = fmt.Errorf("%w: own devices are unverified", ErrTrustBlocked)

	// ErrNoReachableDevice is returned when no device produced a key entry.
	ErrNoReachableDevice = errors.New("no reachable device")
	// ErrNoDevices is returned when the peer has no known devices.
	ErrNoDevices = fmt.Errorf("%w: peer has no devices", ErrNoReachableDevice)

	// ErrMalformedEnvelope is returned when an envelope holds no key entry for
	// the local device or is otherwise unusable.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrAmbiguousEnvelope is returned when several key entries name the local
	// device.
	ErrAmbiguousEnvelope = errors.New("ambiguous envelope")
	// ErrAuthTag is returned when the unwrapped key material is too short or
	// the payload does not authenticate.
	ErrAuthTag = errors.New("payload authentication failed")

	// ErrIdentityChanged is returned when a device publishes an identity key
	// different from the one on record.
	ErrIdentityChanged = errors.New("device identity key changed")
	// ErrNotStarted is returned by operations that need the local account
	// before Start has completed.
	ErrNotStarted = errors.New("omemo: not started")
)
