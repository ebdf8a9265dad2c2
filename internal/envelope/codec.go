// Package envelope encodes domain.Envelope in the protobuf wire format:
//
//	message Envelope {
//	  string from    = 1;
//	  uint32 sid     = 2;
//	  bytes  iv      = 3;
//	  bytes  payload = 4;
//	  repeated Key keys = 5;
//	}
//	message Key {
//	  uint32 rid    = 1;
//	  bool   prekey = 2;
//	  bytes  data   = 3;
//	}
//
// Unknown fields are skipped on decode.
package envelope

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"omemo/internal/domain"
)

// ErrMalformed is returned for input that is not a valid encoded envelope.
var ErrMalformed = errors.New("malformed envelope encoding")

const (
	fieldFrom    protowire.Number = 1
	fieldSID     protowire.Number = 2
	fieldIV      protowire.Number = 3
	fieldPayload protowire.Number = 4
	fieldKey     protowire.Number = 5

	fieldKeyRID    protowire.Number = 1
	fieldKeyPreKey protowire.Number = 2
	fieldKeyData   protowire.Number = 3
)

// Marshal encodes env.
func Marshal(env *domain.Envelope) []byte {
	var b []byte
	if env.From != "" {
		b = protowire.AppendTag(b, fieldFrom, protowire.BytesType)
		b = protowire.AppendString(b, string(env.From))
	}
	if env.SID != 0 {
		b = protowire.AppendTag(b, fieldSID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(env.SID))
	}
	if len(env.IV) > 0 {
		b = protowire.AppendTag(b, fieldIV, protowire.BytesType)
		b = protowire.AppendBytes(b, env.IV)
	}
	if len(env.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, env.Payload)
	}
	for _, k := range env.Keys {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalKey(k))
	}
	return b
}

func marshalKey(k domain.KeyEntry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKeyRID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(k.RID))
	if k.PreKey {
		b = protowire.AppendTag(b, fieldKeyPreKey, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if len(k.Data) > 0 {
		b = protowire.AppendTag(b, fieldKeyData, protowire.BytesType)
		b = protowire.AppendBytes(b, k.Data)
	}
	return b
}

// Unmarshal decodes b.
func Unmarshal(b []byte) (*domain.Envelope, error) {
	env := &domain.Envelope{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldFrom && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			env.From = domain.JID(v)
			return n, nil
		case num == fieldSID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 && v > 0xffffffff {
				return 0, fmt.Errorf("%w: sid overflows", ErrMalformed)
			}
			env.SID = domain.DeviceID(v)
			return n, nil
		case num == fieldIV && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			env.IV = append([]byte(nil), v...)
			return n, nil
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			env.Payload = append([]byte(nil), v...)
			return n, nil
		case num == fieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			k, err := unmarshalKey(v)
			if err != nil {
				return 0, err
			}
			env.Keys = append(env.Keys, k)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

func unmarshalKey(b []byte) (domain.KeyEntry, error) {
	var k domain.KeyEntry
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldKeyRID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 && v > 0xffffffff {
				return 0, fmt.Errorf("%w: rid overflows", ErrMalformed)
			}
			k.RID = domain.DeviceID(v)
			return n, nil
		case num == fieldKeyPreKey && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			k.PreKey = protowire.DecodeBool(v)
			return n, nil
		case num == fieldKeyData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			k.Data = append([]byte(nil), v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return k, err
}

// walk iterates the fields of b. field consumes one value and returns its
// length, negative on a wire error.
func walk(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
