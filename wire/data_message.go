package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType は、データメッセージの種別です。
type MessageType int32

const (
	MessageTypeData          MessageType = 0 // アプリケーションデータ
	MessageTypeFin           MessageType = 1 // 切断要求
	MessageTypeDataAckReq    MessageType = 2 // 確認応答要求
	MessageTypeAck           MessageType = 3 // 切断シーケンスの確認応答
	MessageTypeAckFin        MessageType = 4 // 確認応答と切断要求
	MessageTypeDataAckRep    MessageType = 5 // データの確認応答
	MessageTypeKeepAlive     MessageType = 6 // キープアライブ
	MessageTypeCloseFlowpath MessageType = 7 // フローパスの切断
)

var messageTypeNames = map[MessageType]string{
	MessageTypeData:          "DATA",
	MessageTypeFin:           "FIN",
	MessageTypeDataAckReq:    "DATA_ACK_REQ",
	MessageTypeAck:           "ACK",
	MessageTypeAckFin:        "ACK_FIN",
	MessageTypeDataAckRep:    "DATA_ACK_REP",
	MessageTypeKeepAlive:     "KEEP_ALIVE",
	MessageTypeCloseFlowpath: "CLOSE_FLOWPATH",
}

func (t MessageType) String() string {
	if s, ok := messageTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("MessageType(%d)", int32(t))
}

// IsClose は、切断シーケンスで使用するメッセージ種別かどうかを返却します。
func (t MessageType) IsClose() bool {
	return t == MessageTypeFin || t == MessageTypeAck || t == MessageTypeAckFin
}

// DataMessage は、フローパス上を流れるメッセージです。
//
// ヘッダは24バイト固定で、Type が MessageTypeData の場合のみ Length バイトのペイロードが続きます。
type DataMessage struct {
	Type    MessageType
	SendSeq uint32
	AckSeq  uint32
	// Length は、DATAではペイロード長、DATA_ACK_REPでは選択確認応答のシーケンス番号です。
	Length uint32
	// RecvdBytes は、送信元がこのフローパスで受信したバイト数です。
	// CLOSE_FLOWPATHでは受信したCLOSE_FLOWPATHの数を運びます。
	RecvdBytes uint64
	Payload    []byte
}

// PayloadLen は、ヘッダに続くペイロードのバイト数を返却します。
func (m *DataMessage) PayloadLen() int {
	if m.Type != MessageTypeData {
		return 0
	}
	return int(m.Length)
}

// MarshalBinary は、メッセージをバイト列にエンコードします。
//
// DATAの場合、Length はペイロード長で上書きされます。
func (m *DataMessage) MarshalBinary() ([]byte, error) {
	if m.Type == MessageTypeData {
		if len(m.Payload) > MaxPayloadSize {
			return nil, fmt.Errorf("payload %d bytes: %w", len(m.Payload), ErrMessageTooLarge)
		}
		m.Length = uint32(len(m.Payload))
	}
	buf := make([]byte, DataHeaderSize+m.PayloadLen())
	m.putHeader(buf)
	copy(buf[DataHeaderSize:], m.Payload)
	return buf, nil
}

// UnmarshalBinary は、バイト列からメッセージをデコードします。
func (m *DataMessage) UnmarshalBinary(data []byte) error {
	if len(data) < DataHeaderSize {
		return fmt.Errorf("data message header %d bytes: %w", len(data), ErrMalformedMessage)
	}
	if err := m.decodeHeader(data[:DataHeaderSize]); err != nil {
		return err
	}
	n := m.PayloadLen()
	if len(data)-DataHeaderSize < n {
		return fmt.Errorf("payload want %d got %d: %w", n, len(data)-DataHeaderSize, ErrMalformedMessage)
	}
	m.Payload = nil
	if n > 0 {
		m.Payload = make([]byte, n)
		copy(m.Payload, data[DataHeaderSize:DataHeaderSize+n])
	}
	return nil
}

func (m *DataMessage) putHeader(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.Type))
	binary.BigEndian.PutUint32(buf[4:8], m.SendSeq)
	binary.BigEndian.PutUint32(buf[8:12], m.AckSeq)
	binary.BigEndian.PutUint32(buf[12:16], m.Length)
	binary.BigEndian.PutUint64(buf[16:24], m.RecvdBytes)
}

func (m *DataMessage) decodeHeader(buf []byte) error {
	tp := MessageType(int32(binary.BigEndian.Uint32(buf[0:4])))
	if _, ok := messageTypeNames[tp]; !ok {
		return fmt.Errorf("unknown data message type %d: %w", int32(tp), ErrMalformedMessage)
	}
	m.Type = tp
	m.SendSeq = binary.BigEndian.Uint32(buf[4:8])
	m.AckSeq = binary.BigEndian.Uint32(buf[8:12])
	m.Length = binary.BigEndian.Uint32(buf[12:16])
	m.RecvdBytes = binary.BigEndian.Uint64(buf[16:24])
	if m.PayloadLen() > MaxPayloadSize {
		return fmt.Errorf("payload %d bytes: %w", m.Length, ErrMessageTooLarge)
	}
	return nil
}

// ReadDataHeader は、rからヘッダのみを読み出します。
//
// ペイロードは読み出さないため、呼び出し側は PayloadLen バイトを続けて読み出す必要があります。
func ReadDataHeader(r io.Reader) (*DataMessage, error) {
	var buf [DataHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	var m DataMessage
	if err := m.decodeHeader(buf[:]); err != nil {
		return nil, err
	}
	return &m, nil
}

// PutAckSeq は、エンコード済みのメッセージbufのAckSeqを書き換えます。
func PutAckSeq(buf []byte, ack uint32) {
	binary.BigEndian.PutUint32(buf[8:12], ack)
}
