package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
)

// SetupType は、セットアップ制御メッセージの種別です。
type SetupType int32

const (
	SetupNewConn            SetupType = 1
	SetupAddSocket          SetupType = 2
	SetupMigrateSocket      SetupType = 3
	SetupNewConnReply       SetupType = 4
	SetupAddSocketReply     SetupType = 5
	SetupMigrateSocketReply SetupType = 6
	SetupControlSocket      SetupType = 7
	SetupControlSocketReply SetupType = 8
	SetupNewConnReq         SetupType = 9
	SetupMigrateSocketReq   SetupType = 10
	SetupAddSocketReq       SetupType = 11
	SetupKeepAlive          SetupType = 12
	SetupMigrateSocketReset SetupType = 13
)

var setupTypeNames = map[SetupType]string{
	SetupNewConn:            "NEW_CONN",
	SetupAddSocket:          "ADD_SOCKET",
	SetupMigrateSocket:      "MIGRATE_SOCKET",
	SetupNewConnReply:       "NEW_CONN_REPLY",
	SetupAddSocketReply:     "ADD_SOCKET_REPLY",
	SetupMigrateSocketReply: "MIGRATE_SOCKET_REPLY",
	SetupControlSocket:      "CONTROL_SOCKET",
	SetupControlSocketReply: "CONTROL_SOCKET_REPLY",
	SetupNewConnReq:         "NEW_CONN_REQ",
	SetupMigrateSocketReq:   "MIGRATE_SOCKET_REQ",
	SetupAddSocketReq:       "ADD_SOCKET_REQ",
	SetupKeepAlive:          "KEEP_ALIVE",
	SetupMigrateSocketReset: "MIGRATE_SOCKET_RESET",
}

func (t SetupType) String() string {
	if s, ok := setupTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("SetupType(%d)", int32(t))
}

// Reply は、要求に対応する応答種別を返却します。応答が定義されていない場合はfalseを返却します。
func (t SetupType) Reply() (SetupType, bool) {
	switch t {
	case SetupNewConn:
		return SetupNewConnReply, true
	case SetupAddSocket:
		return SetupAddSocketReply, true
	case SetupMigrateSocket:
		return SetupMigrateSocketReply, true
	case SetupControlSocket:
		return SetupControlSocketReply, true
	}
	return 0, false
}

// GUID は、エンドポイントの識別子を格納する20バイトの固定長フィールドです。
type GUID [GUIDSize]byte

// SetupControlMessage は、コネクション確立、フローパス追加、マイグレーションで交換されるメッセージです。
type SetupControlMessage struct {
	// Addr は送信元のIPv4アドレスです。
	Addr netip.Addr
	// Port は送信元のUDP制御ポートです。
	Port int32
	// ConnID はコネクションIDです。NEW_CONNでは各ピアの提案値を運びます。
	ConnID uint64
	// AckSeq は確認応答済みのシーケンス番号です。NEW_CONNとADD_SOCKETでは接続時間（ミリ秒）を運びます。
	AckSeq   uint32
	Type     SetupType
	SocketID int32
	ProxyID  int32
	GUID     GUID
}

// MarshalBinary は、メッセージを52バイトにエンコードします。
func (m *SetupControlMessage) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SetupMessageSize)
	if err := putIPv4(buf[0:4], m.Addr); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.Port))
	binary.BigEndian.PutUint64(buf[8:16], m.ConnID)
	binary.BigEndian.PutUint32(buf[16:20], m.AckSeq)
	binary.BigEndian.PutUint32(buf[20:24], uint32(m.Type))
	binary.BigEndian.PutUint32(buf[24:28], uint32(m.SocketID))
	binary.BigEndian.PutUint32(buf[28:32], uint32(m.ProxyID))
	copy(buf[32:], m.GUID[:])
	return buf, nil
}

// UnmarshalBinary は、52バイトのバイト列からメッセージをデコードします。
func (m *SetupControlMessage) UnmarshalBinary(data []byte) error {
	if len(data) < SetupMessageSize {
		return fmt.Errorf("setup message %d bytes: %w", len(data), ErrMalformedMessage)
	}
	tp := SetupType(int32(binary.BigEndian.Uint32(data[20:24])))
	if _, ok := setupTypeNames[tp]; !ok {
		return fmt.Errorf("unknown setup message type %d: %w", int32(tp), ErrMalformedMessage)
	}
	m.Addr = getIPv4(data[0:4])
	m.Port = int32(binary.BigEndian.Uint32(data[4:8]))
	m.ConnID = binary.BigEndian.Uint64(data[8:16])
	m.AckSeq = binary.BigEndian.Uint32(data[16:20])
	m.Type = tp
	m.SocketID = int32(binary.BigEndian.Uint32(data[24:28]))
	m.ProxyID = int32(binary.BigEndian.Uint32(data[28:32]))
	copy(m.GUID[:], data[32:SetupMessageSize])
	return nil
}

// ReadSetupControlMessage は、rから1つのセットアップ制御メッセージを読み出します。
func ReadSetupControlMessage(r io.Reader) (*SetupControlMessage, error) {
	var buf [SetupMessageSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	var m SetupControlMessage
	if err := m.UnmarshalBinary(buf[:]); err != nil {
		return nil, err
	}
	return &m, nil
}

// WriteSetupControlMessage は、wへメッセージを書き込みます。
func WriteSetupControlMessage(w io.Writer, m *SetupControlMessage) error {
	bs, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(bs)
	return err
}

// getIPv4は、4バイトのIPv4アドレスを読み出します。0.0.0.0は未設定として扱います。
func getIPv4(src []byte) netip.Addr {
	a := netip.AddrFrom4([4]byte(src))
	if a.IsUnspecified() {
		return netip.Addr{}
	}
	return a
}

func putIPv4(dst []byte, addr netip.Addr) error {
	if !addr.IsValid() {
		copy(dst, []byte{0, 0, 0, 0})
		return nil
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return fmt.Errorf("address %s is not IPv4: %w", addr, ErrMalformedMessage)
	}
	a4 := addr.As4()
	copy(dst, a4[:])
	return nil
}
