package wire_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/aptpod/msocket-go/wire"
)

func TestDataMessage_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   DataMessage
	}{
		{
			name: "DATA",
			in: DataMessage{
				Type:       MessageTypeData,
				SendSeq:    4000,
				AckSeq:     120,
				RecvdBytes: 1 << 40,
				Payload:    []byte("hello flowpath"),
			},
		},
		{
			name: "DATA_ACK_REP carries selective ack in Length",
			in: DataMessage{
				Type:       MessageTypeDataAckRep,
				SendSeq:    10,
				AckSeq:     5000,
				Length:     4000,
				RecvdBytes: 5000,
			},
		},
		{
			name: "CLOSE_FLOWPATH",
			in: DataMessage{
				Type:       MessageTypeCloseFlowpath,
				SendSeq:    0xFFFFFFFF,
				RecvdBytes: 1,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bs, err := tt.in.MarshalBinary()
			require.NoError(t, err)
			assert.Len(t, bs, DataHeaderSize+len(tt.in.Payload))

			var got DataMessage
			require.NoError(t, got.UnmarshalBinary(bs))
			assert.Equal(t, tt.in, got)
		})
	}
}

func TestDataMessage_HeaderLayout(t *testing.T) {
	m := DataMessage{Type: MessageTypeData, SendSeq: 1, AckSeq: 2, RecvdBytes: 3, Payload: []byte{0xAA}}
	bs, err := m.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0, 0, 0, 0, // type
		0, 0, 0, 1, // send_seq
		0, 0, 0, 2, // ack_seq
		0, 0, 0, 1, // length
		0, 0, 0, 0, 0, 0, 0, 3, // recvd_bytes
		0xAA,
	}, bs)
}

func TestReadDataHeader(t *testing.T) {
	var stream bytes.Buffer
	first := DataMessage{Type: MessageTypeData, SendSeq: 100, Payload: []byte("abc")}
	second := DataMessage{Type: MessageTypeKeepAlive}
	for _, m := range []*DataMessage{&first, &second} {
		bs, err := m.MarshalBinary()
		require.NoError(t, err)
		stream.Write(bs)
	}

	h, err := ReadDataHeader(&stream)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeData, h.Type)
	require.Equal(t, 3, h.PayloadLen())
	payload := make([]byte, h.PayloadLen())
	_, err = io.ReadFull(&stream, payload)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(payload))

	h, err = ReadDataHeader(&stream)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeKeepAlive, h.Type)
	assert.Equal(t, 0, h.PayloadLen())

	_, err = ReadDataHeader(&stream)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDataMessage_Malformed(t *testing.T) {
	t.Run("short header", func(t *testing.T) {
		var m DataMessage
		assert.ErrorIs(t, m.UnmarshalBinary(make([]byte, 10)), ErrMalformedMessage)
	})
	t.Run("unknown type", func(t *testing.T) {
		bs := make([]byte, DataHeaderSize)
		bs[3] = 99
		var m DataMessage
		assert.ErrorIs(t, m.UnmarshalBinary(bs), ErrMalformedMessage)
	})
	t.Run("truncated payload", func(t *testing.T) {
		bs, err := (&DataMessage{Type: MessageTypeData, Payload: []byte("abcdef")}).MarshalBinary()
		require.NoError(t, err)
		var m DataMessage
		assert.ErrorIs(t, m.UnmarshalBinary(bs[:len(bs)-1]), ErrMalformedMessage)
	})
	t.Run("payload too large", func(t *testing.T) {
		_, err := (&DataMessage{Type: MessageTypeData, Payload: make([]byte, MaxPayloadSize+1)}).MarshalBinary()
		assert.ErrorIs(t, err, ErrMessageTooLarge)
	})
}

func TestMessageType_String(t *testing.T) {
	assert.Equal(t, "DATA_ACK_REP", MessageTypeDataAckRep.String())
	assert.Equal(t, "MessageType(42)", MessageType(42).String())
	assert.True(t, MessageTypeAckFin.IsClose())
	assert.False(t, MessageTypeKeepAlive.IsClose())
}

func TestPutAckSeq(t *testing.T) {
	in := DataMessage{Type: MessageTypeData, SendSeq: 10, AckSeq: 1, RecvdBytes: 4, Payload: []byte("abc")}
	bs, err := in.MarshalBinary()
	require.NoError(t, err)

	PutAckSeq(bs, 0x01020304)

	var got DataMessage
	require.NoError(t, got.UnmarshalBinary(bs))
	assert.Equal(t, uint32(0x01020304), got.AckSeq)
	assert.Equal(t, uint32(10), got.SendSeq)
	assert.Equal(t, uint32(3), got.Length)
	assert.Equal(t, uint64(4), got.RecvdBytes)
	assert.Equal(t, []byte("abc"), got.Payload)
}
