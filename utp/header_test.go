package utp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := header{
		Type:          StData,
		ConnID:        1234,
		Timestamp:     555,
		TimestampDiff: 42,
		WndSize:       1 << 20,
		SeqNr:         10,
		AckNr:         9,
	}
	payload := []byte("hello utp")
	buf := encode(nil, h, payload)

	got, gotPayload, err := decode(buf)
	require.NoError(t, err)
	require.Equal(t, h.Type, got.Type)
	require.Equal(t, h.ConnID, got.ConnID)
	require.Equal(t, h.Timestamp, got.Timestamp)
	require.Equal(t, h.TimestampDiff, got.TimestampDiff)
	require.Equal(t, h.WndSize, got.WndSize)
	require.Equal(t, h.SeqNr, got.SeqNr)
	require.Equal(t, h.AckNr, got.AckNr)
	require.Equal(t, payload, gotPayload)
}

func TestHeaderDecodeTooShort(t *testing.T) {
	_, _, err := decode(make([]byte, headerLen-1))
	require.ErrorIs(t, err, errHeaderTooShort)
}

func TestHeaderDecodeBadVersion(t *testing.T) {
	buf := make([]byte, headerLen)
	buf[0] = byte(StData)<<4 | 3
	_, _, err := decode(buf)
	require.ErrorIs(t, err, errBadVersion)
}

func TestHeaderExtensionChainRoundTrip(t *testing.T) {
	sack := NewSelectiveAck([]uint16{11, 12, 15}, 9)
	h := header{
		Type:       StState,
		ConnID:     7,
		SeqNr:      3,
		AckNr:      9,
		Extensions: []extension{{id: extSelectiveAck, payload: sack}},
	}
	buf := encode(nil, h, nil)

	got, rest, err := decode(buf)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Len(t, got.Extensions, 1)
	require.Equal(t, uint8(extSelectiveAck), got.Extensions[0].id)

	gotSack, ok := got.selectiveAck()
	require.True(t, ok)
	require.True(t, gotSack.Test(0)) // seq 11 = ackNr+2+0
	require.True(t, gotSack.Test(1)) // seq 12
	require.False(t, gotSack.Test(2))
	require.True(t, gotSack.Test(4)) // seq 15
	require.Equal(t, 3, gotSack.Count())
}

func TestSelectiveAckEmpty(t *testing.T) {
	require.Nil(t, NewSelectiveAck(nil, 0))
	require.Nil(t, NewSelectiveAck([]uint16{0, 1}, 0)) // both below ackNr+2
}

func TestHeaderDecodeTruncatedExtension(t *testing.T) {
	buf := encode(nil, header{Type: StState, Extensions: []extension{{id: extSelectiveAck, payload: []byte{1, 2, 3, 4}}}}, nil)
	_, _, err := decode(buf[:len(buf)-2])
	require.ErrorIs(t, err, errTruncatedExt)
}
