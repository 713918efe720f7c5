package metrics

import "time"

// MetricsProvider は、チャネルのメトリクスを取得するためのインターフェースです。
//
// 実装は並行アクセスに対して安全である必要があります。
type MetricsProvider interface {
	// RTT は、平滑化ラウンドトリップタイム (SRTT) を返します。
	// まだ測定されていない場合は、デフォルト値を返します。
	RTT() time.Duration

	// RTTVar は、RTT変動 (RTTVAR) を返します。
	RTTVar() time.Duration

	// CongestionWindow は、輻輳ウィンドウサイズをバイト単位で返します。
	CongestionWindow() uint64
}

// LifeCycler は、バックグラウンド処理のライフサイクルを管理するインターフェースです。
type LifeCycler interface {
	// Start は、バックグラウンドでのメトリクス収集を開始します。
	// 複数回呼び出した場合はエラーを返します。
	Start() error

	// Stop は、バックグラウンド処理を終了します。複数回呼び出しても安全です。
	Stop()
}

// ManagedMetricsProvider は、ライフサイクル管理を含むMetricsProviderです。
type ManagedMetricsProvider interface {
	MetricsProvider
	LifeCycler
}

const (
	defaultRTT    = 100 * time.Millisecond
	defaultRTTVar = 50 * time.Millisecond
	defaultCWND   = 14600 // 10 * MSS (1460 bytes)
)
