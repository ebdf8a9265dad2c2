package envelope_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"omemo/internal/domain"
	"omemo/internal/envelope"
)

func sample() *domain.Envelope {
	return &domain.Envelope{
		From:    "alice@example.org",
		SID:     2147483647,
		IV:      []byte("123456789012"),
		Payload: []byte("ciphertext"),
		Keys: []domain.KeyEntry{
			{RID: 1, PreKey: true, Data: []byte("k1")},
			{RID: 99, Data: []byte("k2")},
		},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	in := sample()
	out, err := envelope.Unmarshal(envelope.Marshal(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestCodec_KeyTransportHasNoPayload(t *testing.T) {
	in := sample()
	in.Payload = nil
	out, err := envelope.Unmarshal(envelope.Marshal(in))
	require.NoError(t, err)
	require.Empty(t, out.Payload)
	require.Len(t, out.Keys, 2)
}

func TestCodec_SkipsUnknownFields(t *testing.T) {
	b := envelope.Marshal(sample())
	b = protowire.AppendTag(b, 42, protowire.BytesType)
	b = protowire.AppendString(b, "future")
	b = protowire.AppendTag(b, 43, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)

	out, err := envelope.Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, sample(), out)
}

func TestCodec_Truncated(t *testing.T) {
	b := envelope.Marshal(sample())
	for _, cut := range []int{1, len(b) / 2, len(b) - 1} {
		_, err := envelope.Unmarshal(b[:cut])
		require.Truef(t, errors.Is(err, envelope.ErrMalformed), "cut %d: want ErrMalformed, got %v", cut, err)
	}
}
