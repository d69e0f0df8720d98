package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEnvelopeWireFormat(t *testing.T) {
	in := &Envelope{
		Subject:       "idblock-allocate",
		CorrelationID: 1 << 40,
		IsReply:       true,
		ExpectReply:   true,
		Payload:       []byte{0, 0, 7},
		Sender:        Endpoint{Host: "10.0.0.2", Port: 9876},
		Status:        StatusHandlerError,
		Error:         "boom",
	}
	data := in.Marshal()

	// Unknown fields from a newer peer are skipped.
	data = protowire.AppendTag(data, 42, protowire.BytesType)
	data = protowire.AppendString(data, "future")

	var out Envelope
	require.NoError(t, out.Unmarshal(data))
	assert.Equal(t, *in, out)

	var empty Envelope
	require.NoError(t, empty.Unmarshal((&Envelope{}).Marshal()))
	assert.Equal(t, Envelope{}, empty)
}

func TestEnvelopeRejectsMalformedInput(t *testing.T) {
	var env Envelope

	wrongType := protowire.AppendTag(nil, fieldSubject, protowire.VarintType)
	wrongType = protowire.AppendVarint(wrongType, 1)
	require.Error(t, env.Unmarshal(wrongType))

	truncated := protowire.AppendTag(nil, fieldPayload, protowire.BytesType)
	truncated = protowire.AppendVarint(truncated, 10)
	require.Error(t, env.Unmarshal(truncated))
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("10.1.2.3:9876")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Host: "10.1.2.3", Port: 9876}, ep)
	assert.Equal(t, "10.1.2.3:9876", ep.String())

	_, err = ParseEndpoint("10.1.2.3")
	require.Error(t, err)
	_, err = ParseEndpoint("host:70000")
	require.Error(t, err)
}
