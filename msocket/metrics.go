package msocket

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "msocket"

// Metricsは、論理コネクションのメトリクスです。
//
// nilのMetricsは何も記録しません。複数のコネクションで共有できます。
type Metrics struct {
	bytesWritten       prometheus.Counter
	bytesRead          prometheus.Counter
	retransmittedBytes prometheus.Counter
	dupAcks            prometheus.Counter
	migrations         *prometheus.CounterVec
	flowpathsActive    prometheus.Gauge
	connectionsActive  prometheus.Gauge
}

// NewMetricsは、メトリクスを作成し reg へ登録します。
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_written_total",
			Help:      "Total bytes written by the application",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_read_total",
			Help:      "Total bytes delivered to the application",
		}),
		retransmittedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retransmitted_bytes_total",
			Help:      "Total payload bytes queued for retransmission",
		}),
		dupAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dup_acks_total",
			Help:      "Total duplicate DATA_ACK_REP messages",
		}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "migrations_total",
			Help:      "Total flowpath migrations",
		}, []string{"result"}),
		flowpathsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "flowpaths_active",
			Help:      "Number of active flowpaths",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Number of open connections",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.bytesWritten,
		m.bytesRead,
		m.retransmittedBytes,
		m.dupAcks,
		m.migrations,
		m.flowpathsActive,
		m.connectionsActive,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

const (
	migrationResultOK      = "ok"
	migrationResultReset   = "reset"
	migrationResultTimeout = "timeout"
	migrationResultError   = "error"
)

func (m *Metrics) addBytesWritten(n int) {
	if m == nil {
		return
	}
	m.bytesWritten.Add(float64(n))
}

func (m *Metrics) addBytesRead(n int) {
	if m == nil {
		return
	}
	m.bytesRead.Add(float64(n))
}

func (m *Metrics) addRetransmitted(n int) {
	if m == nil {
		return
	}
	m.retransmittedBytes.Add(float64(n))
}

func (m *Metrics) incDupAcks() {
	if m == nil {
		return
	}
	m.dupAcks.Inc()
}

func (m *Metrics) incMigrations(result string) {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues(result).Inc()
}

func (m *Metrics) addFlowpaths(n int) {
	if m == nil {
		return
	}
	m.flowpathsActive.Add(float64(n))
}

func (m *Metrics) addConnections(n int) {
	if m == nil {
		return
	}
	m.connectionsActive.Add(float64(n))
}
