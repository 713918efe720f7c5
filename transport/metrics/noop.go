package metrics

import "time"

var _ ManagedMetricsProvider = (*noopMetricsProvider)(nil)

// noopMetricsProvider は、常に既定値を返す ManagedMetricsProvider の実装です。
type noopMetricsProvider struct{}

// NewNopMetricsProvider は新しい noopMetricsProvider を作成します。
func NewNopMetricsProvider() ManagedMetricsProvider {
	return &noopMetricsProvider{}
}

func (n *noopMetricsProvider) RTT() time.Duration {
	return defaultRTT
}

func (n *noopMetricsProvider) RTTVar() time.Duration {
	return defaultRTTVar
}

func (n *noopMetricsProvider) CongestionWindow() uint64 {
	return defaultCWND
}

func (n *noopMetricsProvider) Start() error {
	return nil
}

func (n *noopMetricsProvider) Stop() {}
