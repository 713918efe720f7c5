//go:build linux

package metrics

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var _ ManagedMetricsProvider = (*TCPInfoProvider)(nil)

// TCPInfoProvider は、TCP_INFO を介してカーネルからメトリクスを取得します。
// バックグラウンドで定期的にメトリクスを更新します。
type TCPInfoProvider struct {
	conn net.Conn

	stateMu  sync.Mutex
	started  bool
	stopped  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	interval time.Duration

	metricsMu   sync.RWMutex
	smoothedRTT time.Duration
	rttvar      time.Duration
	cwnd        uint64
}

// NewTCPInfoProvider は新しい TCPInfoProvider を作成します。
//
// connは *net.TCPConn である必要があります。Start を呼び出すまで収集は開始されません。
func NewTCPInfoProvider(conn net.Conn, interval time.Duration) *TCPInfoProvider {
	return &TCPInfoProvider{
		conn:     conn,
		stopCh:   make(chan struct{}),
		interval: interval,
	}
}

// NewProvider は、connがTCPコネクションであれば TCPInfoProvider を、そうでなければ noop 実装を返却します。
func NewProvider(conn net.Conn, interval time.Duration) ManagedMetricsProvider {
	if _, ok := conn.(*net.TCPConn); !ok {
		return NewNopMetricsProvider()
	}
	return NewTCPInfoProvider(conn, interval)
}

// Start は、初回の取得を行ったうえでバックグラウンドの更新ループを開始します。
func (p *TCPInfoProvider) Start() error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.started && !p.stopped {
		return fmt.Errorf("TCPInfoProvider already started")
	}
	if p.stopped {
		return fmt.Errorf("TCPInfoProvider already stopped, cannot restart")
	}
	if err := p.update(); err != nil {
		return err
	}

	p.started = true
	p.wg.Add(1)
	go p.updateLoop()
	return nil
}

func (p *TCPInfoProvider) updateLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = p.update()
		case <-p.stopCh:
			return
		}
	}
}

func (p *TCPInfoProvider) update() error {
	tcpConn, ok := p.conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("not a TCP connection")
	}

	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return err
	}

	var sysErr error
	err = raw.Control(func(fd uintptr) {
		ti, err2 := unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
		if err2 != nil {
			sysErr = err2
			return
		}

		p.metricsMu.Lock()
		defer p.metricsMu.Unlock()
		p.smoothedRTT = time.Duration(ti.Rtt) * time.Microsecond
		p.rttvar = time.Duration(ti.Rttvar) * time.Microsecond
		p.cwnd = uint64(ti.Snd_cwnd) * uint64(ti.Snd_mss)
	})
	if err != nil {
		return err
	}
	return sysErr
}

func (p *TCPInfoProvider) RTT() time.Duration {
	p.metricsMu.RLock()
	defer p.metricsMu.RUnlock()
	if p.smoothedRTT == 0 {
		return defaultRTT
	}
	return p.smoothedRTT
}

func (p *TCPInfoProvider) RTTVar() time.Duration {
	p.metricsMu.RLock()
	defer p.metricsMu.RUnlock()
	if p.rttvar == 0 {
		return defaultRTTVar
	}
	return p.rttvar
}

func (p *TCPInfoProvider) CongestionWindow() uint64 {
	p.metricsMu.RLock()
	defer p.metricsMu.RUnlock()
	if p.cwnd == 0 {
		return defaultCWND
	}
	return p.cwnd
}

// Stop は、更新ループを終了して完了を待ちます。
func (p *TCPInfoProvider) Stop() {
	p.stateMu.Lock()
	if p.stopped {
		p.stateMu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.stateMu.Unlock()

	close(p.stopCh)
	if started {
		p.wg.Wait()
	}
}
