package wire

import (
	"fmt"
)

const (
	// DataHeaderSize は、データメッセージヘッダのバイト数です。
	DataHeaderSize = 24
	// SetupMessageSize は、セットアップ制御メッセージのバイト数です。
	SetupMessageSize = 4 + 5*4 + 8 + GUIDSize
	// ControlMessageSize は、UDP制御メッセージのバイト数です。
	ControlMessageSize = 3*4 + 8 + 2*4 + 4
	// GUIDSize は、GUIDフィールドのバイト数です。
	GUIDSize = 20
	// MaxPayloadSize は、1つのデータメッセージに載せられるペイロードの上限です。
	MaxPayloadSize = 1 << 20
)

// Sizeは、バイトサイズの単位です。
type Size int64

const (
	B   Size = 1
	KiB      = B * 1024
	MiB      = KiB * 1024
	GiB      = MiB * 1024
)

func (s Size) String() string {
	if s == 0 {
		return "0[b]"
	}
	format := func(val Size, unit Size, unitString string) string {
		return fmt.Sprintf("%.2f[%s]", float64(val)/float64(unit), unitString)
	}
	if s >= GiB {
		return format(s, GiB, "gib")
	}
	if s >= MiB {
		return format(s, MiB, "mib")
	}
	if s >= KiB {
		return format(s, KiB, "kib")
	}
	return format(s, B, "b")
}
