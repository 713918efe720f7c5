/*
Package transport は、フローパスの下位に位置する双方向のバイトストリーム（チャネル）をまとめたパッケージです。
*/
package transport

import (
	"time"

	"github.com/aptpod/msocket-go/errors"
)

// Nameは、トランスポート名です。
type Name string

const (
	// TCPトランスポート
	NameTCP Name = "tcp"
	// WebSocketトランスポート
	NameWebSocket Name = "websocket"
	// プロセス内のパイプ
	NamePipe Name = "pipe"
)

// Now は transport内で利用する現在時刻関数です。
var Now = time.Now

// ErrAlreadyClosed は、チャネルが切断済みの場合に返されます。
var ErrAlreadyClosed = errors.ErrConnectionClosed
