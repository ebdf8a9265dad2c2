package types

import "fmt"

// Trust is the verification state of a device identity.
//
// The declaration order is the aggregation priority: a lower value wins when
// several devices are combined, so one unverified device makes the whole peer
// unverified.
type Trust int

const (
	TrustUnknown Trust = iota
	TrustRecognized
	TrustConfirmed
	TrustIgnored
)

var trustNames = [...]string{
	TrustUnknown:    "unknown",
	TrustRecognized: "recognized",
	TrustConfirmed:  "confirmed",
	TrustIgnored:    "ignored",
}

// Trusts lists every trust level in priority order.
func Trusts() []Trust {
	return []Trust{TrustUnknown, TrustRecognized, TrustConfirmed, TrustIgnored}
}

// String returns the lower-case name of the level.
func (t Trust) String() string {
	if t < 0 || int(t) >= len(trustNames) {
		return fmt.Sprintf("trust(%d)", int(t))
	}
	return trustNames[t]
}

// Valid reports whether t is one of the declared levels.
func (t Trust) Valid() bool { return t >= TrustUnknown && t <= TrustIgnored }

// ParseTrust maps a level name back to its Trust value.
func ParseTrust(s string) (Trust, error) {
	for i, name := range trustNames {
		if name == s {
			return Trust(i), nil
		}
	}
	return TrustUnknown, fmt.Errorf("unknown trust level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Trust) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid trust level %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Trust) UnmarshalText(b []byte) error {
	v, err := ParseTrust(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Aggregate combines per-device trust by priority:
// Unknown > Recognized > Confirmed > Ignored.
// With no devices the result is Ignored.
func Aggregate(levels []Trust) Trust {
	out := TrustIgnored
	for _, t := range levels {
		if t < out {
			out = t
		}
	}
	return out
}
