//go:build !linux

package metrics

import (
	"net"
	"time"
)

// NewProvider は、この環境ではカーネルのメトリクスを取得できないため noop 実装を返却します。
func NewProvider(_ net.Conn, _ time.Duration) ManagedMetricsProvider {
	return NewNopMetricsProvider()
}
