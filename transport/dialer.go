package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/aptpod/msocket-go/transport/metrics"
	"github.com/aptpod/msocket-go/transport/nic"
)

// DialConfig は、チャネルの接続設定です。
type DialConfig struct {
	// Address は、接続先の host:port です。
	Address string

	// Optional
	// NIC は、接続に使用するネットワークインターフェース名です。空の場合はOSが選択します。
	NIC string
}

// Dialer は、チャネルを接続するインターフェースです。
type Dialer interface {
	Dial(ctx context.Context, c DialConfig) (Channel, error)
}

// DialerFunc は、関数を Dialer として扱うためのアダプタです。
type DialerFunc func(ctx context.Context, c DialConfig) (Channel, error)

// Dial は Dialer を実装します。
func (f DialerFunc) Dial(ctx context.Context, c DialConfig) (Channel, error) {
	return f(ctx, c)
}

// TCPDialer は、TCPでチャネルを接続する Dialer です。
type TCPDialer struct {
	// KeepAlive は、TCPキープアライブの間隔です。0の場合はOSの既定値を使用します。
	KeepAlive time.Duration
	// MetricsInterval は、TCP_INFOの取得間隔です。0の場合はメトリクスを取得しません。
	MetricsInterval time.Duration
}

// Dial は Dialer を実装します。
func (d *TCPDialer) Dial(ctx context.Context, c DialConfig) (Channel, error) {
	var (
		conn net.Conn
		err  error
	)
	if c.NIC != "" {
		dc, err := nic.NewDialContext(nic.DialContextConfig{NIC: c.NIC, KeepAlive: d.KeepAlive})
		if err != nil {
			return nil, fmt.Errorf("nic %s: %w", c.NIC, err)
		}
		conn, err = dc.DialContext(ctx, "tcp4", c.Address)
		if err != nil {
			return nil, err
		}
	} else {
		nd := &net.Dialer{KeepAlive: d.KeepAlive}
		conn, err = nd.DialContext(ctx, "tcp4", c.Address)
		if err != nil {
			return nil, err
		}
	}
	return NewTCPChannel(conn, d.MetricsInterval), nil
}

// TCPChannel は、TCPコネクションによる Channel です。
type TCPChannel struct {
	net.Conn
	provider metrics.ManagedMetricsProvider
}

var (
	_ Channel          = (*TCPChannel)(nil)
	_ MetricsSupporter = (*TCPChannel)(nil)
)

// NewTCPChannel は、connを Channel として返却します。
//
// metricsIntervalが0より大きい場合は、RTTなどのメトリクスをバックグラウンドで収集します。
func NewTCPChannel(conn net.Conn, metricsInterval time.Duration) *TCPChannel {
	ch := &TCPChannel{Conn: conn, provider: metrics.NewNopMetricsProvider()}
	if metricsInterval > 0 {
		p := metrics.NewProvider(conn, metricsInterval)
		if err := p.Start(); err == nil {
			ch.provider = p
		}
	}
	return ch
}

// MetricsProvider は MetricsSupporter を実装します。
func (c *TCPChannel) MetricsProvider() metrics.MetricsProvider {
	return c.provider
}

// Close は、メトリクスの収集を停止してコネクションを切断します。
func (c *TCPChannel) Close() error {
	c.provider.Stop()
	return c.Conn.Close()
}

// TCPListener は、TCPでチャネルを受け入れる Listener です。
type TCPListener struct {
	ln              net.Listener
	metricsInterval time.Duration
}

var _ Listener = (*TCPListener)(nil)

// ListenTCP は、addressで待ち受ける TCPListener を返却します。
func ListenTCP(address string, metricsInterval time.Duration) (*TCPListener, error) {
	ln, err := net.Listen("tcp4", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln, metricsInterval: metricsInterval}, nil
}

// Accept は Listener を実装します。
func (l *TCPListener) Accept() (Channel, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewTCPChannel(conn, l.metricsInterval), nil
}

// Close は Listener を実装します。
func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// Addr は Listener を実装します。
func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}
