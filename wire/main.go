/*
Package wire は、 msocket のワイヤレベルのメッセージ形式を定義するパッケージです。

フローパス上を流れるデータメッセージ、フローパスの確立・追加・マイグレーションに使用する
セットアップ制御メッセージ、UDP制御チャネルで使用する制御メッセージの3種類を扱います。
すべての整数フィールドは固定長のビッグエンディアンで、アドレスは4バイトのIPv4です。
*/
package wire

import "github.com/aptpod/msocket-go/errors"

var (
	// ErrMalformedMessage は、メッセージのデコードに失敗した場合に返されます。
	ErrMalformedMessage = errors.ErrMalformedMessage

	// ErrMessageTooLarge は、ペイロードが MaxPayloadSize を超える場合に返されます。
	ErrMessageTooLarge = errors.ErrMessageTooLarge
)
