package transport

import (
	"io"
	"net"
	"time"

	"github.com/aptpod/msocket-go/errors"
	"github.com/aptpod/msocket-go/transport/metrics"
)

// Channel は、フローパスが利用する双方向のバイトストリームです。
//
// Read と Write はそれぞれ単一のgoroutineから呼び出されます。
// デッドラインを超えた Write は、書き込めたバイト数とともに os.ErrDeadlineExceeded を返却します。
type Channel interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// MetricsSupporter は、メトリクス取得機能を持つチャネルのインターフェースです。
type MetricsSupporter interface {
	// MetricsProvider は、チャネルのメトリクスを提供するプロバイダーを返します。
	// メトリクスが利用できない場合はnilを返します。
	MetricsProvider() metrics.MetricsProvider
}

// Counter は、送受信バイト数を保持するチャネルのインターフェースです。
type Counter interface {
	// RxBytesCounterValue は、現在の受信バイトカウンターの値を返します。
	RxBytesCounterValue() uint64
	// TxBytesCounterValue は、現在の送信バイトカウンターの値を返します。
	TxBytesCounterValue() uint64
}

// Listener は、チャネルの受け入れを行うインターフェースです。
type Listener interface {
	// Accept は、次のチャネルを受け入れます。Close 後はエラーを返却します。
	Accept() (Channel, error)
	Close() error
	Addr() net.Addr
}

// IsTimeout は、errがデッドライン超過によるものかどうかを返却します。
func IsTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
