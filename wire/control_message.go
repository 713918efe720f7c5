package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// ControlType は、UDP制御メッセージの種別です。
type ControlType int32

const (
	ControlKeepAlive         ControlType = 1
	ControlAckOnly           ControlType = 2
	ControlRebindAddressPort ControlType = 3
)

func (t ControlType) String() string {
	switch t {
	case ControlKeepAlive:
		return "KEEP_ALIVE"
	case ControlAckOnly:
		return "ACK_ONLY"
	case ControlRebindAddressPort:
		return "REBIND_ADDRESS_PORT"
	}
	return fmt.Sprintf("ControlType(%d)", int32(t))
}

// ControlMessage は、UDP制御チャネルで交換される固定長のメッセージです。
type ControlMessage struct {
	SendSeq uint32
	AckSeq  uint32
	Type    ControlType
	ConnID  uint64
	// Port は、REBIND_ADDRESS_PORTで通知する新しいデータポートです。
	Port int32
	// UDPPort は、REBIND_ADDRESS_PORTで通知する新しいUDP制御ポートです。
	UDPPort int32
	Addr    netip.Addr
}

// MarshalBinary は、メッセージを32バイトにエンコードします。
func (m *ControlMessage) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ControlMessageSize)
	binary.BigEndian.PutUint32(buf[0:4], m.SendSeq)
	binary.BigEndian.PutUint32(buf[4:8], m.AckSeq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(m.Type))
	binary.BigEndian.PutUint64(buf[12:20], m.ConnID)
	binary.BigEndian.PutUint32(buf[20:24], uint32(m.Port))
	binary.BigEndian.PutUint32(buf[24:28], uint32(m.UDPPort))
	if err := putIPv4(buf[28:32], m.Addr); err != nil {
		return nil, err
	}
	return buf, nil
}

// UnmarshalBinary は、バイト列からメッセージをデコードします。
func (m *ControlMessage) UnmarshalBinary(data []byte) error {
	if len(data) < ControlMessageSize {
		return fmt.Errorf("control message %d bytes: %w", len(data), ErrMalformedMessage)
	}
	tp := ControlType(int32(binary.BigEndian.Uint32(data[8:12])))
	if tp < ControlKeepAlive || tp > ControlRebindAddressPort {
		return fmt.Errorf("unknown control message type %d: %w", int32(tp), ErrMalformedMessage)
	}
	m.SendSeq = binary.BigEndian.Uint32(data[0:4])
	m.AckSeq = binary.BigEndian.Uint32(data[4:8])
	m.Type = tp
	m.ConnID = binary.BigEndian.Uint64(data[12:20])
	m.Port = int32(binary.BigEndian.Uint32(data[20:24]))
	m.UDPPort = int32(binary.BigEndian.Uint32(data[24:28]))
	m.Addr = getIPv4(data[28:32])
	return nil
}
