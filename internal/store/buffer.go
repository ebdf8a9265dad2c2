package store

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
)

// ErrNotBuffer is returned when a JSON value expected to be a Buffer is not
// the tagged object form.
var ErrNotBuffer = errors.New("value is not a tagged buffer")

// Buffer is binary data that serialises as {"$buffer":"<base64>"}.
//
// The tag keeps byte strings and text strings apart: a bare JSON string never
// decodes into a Buffer.
type Buffer []byte

type taggedBuffer struct {
	Data *string `json:"$buffer"`
}

// MarshalJSON implements json.Marshaler.
func (b Buffer) MarshalJSON() ([]byte, error) {
	s := base64.StdEncoding.EncodeToString(b)
	return json.Marshal(taggedBuffer{Data: &s})
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Buffer) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) == 0 || data[0] != '{' {
		return ErrNotBuffer
	}
	var tb taggedBuffer
	if err := json.Unmarshal(data, &tb); err != nil {
		return err
	}
	if tb.Data == nil {
		return ErrNotBuffer
	}
	raw, err := base64.StdEncoding.DecodeString(*tb.Data)
	if err != nil {
		return err
	}
	*b = raw
	return nil
}
