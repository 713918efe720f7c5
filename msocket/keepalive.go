package msocket

import (
	"sync"
	"time"

	"github.com/aptpod/msocket-go/errors"
	"github.com/aptpod/msocket-go/transport"
	"github.com/aptpod/msocket-go/wire"
)

var errKeepAliveTimeout = errors.New("keep alive timeout")

// KeepAliveRegistryは、登録されたコネクションへ一定間隔でキープアライブを送信します。
//
// 1つのレジストリを複数のコネクションで共有でき、全てのコネクションを1つのタイマーで巡回します。
// 各フローパスの最終受信時刻がタイムアウトを超えた場合、そのフローパスを非アクティブにします。
type KeepAliveRegistry struct {
	interval time.Duration

	mu    sync.Mutex
	conns map[*Conn]struct{}

	closeOnce sync.Once
	closedCh  chan struct{}
	wg        sync.WaitGroup
}

// NewKeepAliveRegistryは、intervalごとに巡回するレジストリを作成します。Close で停止します。
func NewKeepAliveRegistry(interval time.Duration) *KeepAliveRegistry {
	if interval <= 0 {
		interval = defaultKeepAliveInterval
	}
	r := &KeepAliveRegistry{
		interval: interval,
		conns:    make(map[*Conn]struct{}),
		closedCh: make(chan struct{}),
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop()
	}()
	return r
}

// Registerは、コネクションを登録します。
func (r *KeepAliveRegistry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
}

// Unregisterは、コネクションの登録を解除します。
func (r *KeepAliveRegistry) Unregister(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
}

// Lenは、登録されているコネクションの数を返却します。
func (r *KeepAliveRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Closeは、巡回を停止します。
func (r *KeepAliveRegistry) Close() {
	r.closeOnce.Do(func() {
		close(r.closedCh)
	})
	r.wg.Wait()
}

func (r *KeepAliveRegistry) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.closedCh:
			return
		case <-ticker.C:
			r.sweep(transport.Now())
		}
	}
}

func (r *KeepAliveRegistry) sweep(now time.Time) {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.sweepKeepAlive(now)
	}
}

// sweepKeepAliveは、アクティブな各フローパスへキープアライブを積み、タイムアウトしたフローパスを失敗として扱います。
func (c *Conn) sweepKeepAlive(now time.Time) {
	if c.isClosed() {
		return
	}
	timeout := c.config.keepAliveTimeout()
	for _, fp := range c.flowpathList() {
		fp.mu.Lock()
		active := fp.active
		gen := fp.gen
		expired := now.Sub(fp.lastKeepAlive) > timeout
		idle := len(fp.queue) == 0
		fp.mu.Unlock()
		if !active {
			continue
		}
		if expired {
			c.flowpathFailed(fp, gen, &errors.FlowpathError{FlowpathID: int32(fp.id), Op: "keepalive", Err: errKeepAliveTimeout})
			continue
		}
		if idle {
			c.sendControl(fp, wire.MessageTypeKeepAlive, 0, nil, nil)
		}
	}
	if c.udp != nil {
		if err := c.udp.KeepAlive(c.connID); err != nil {
			c.logger.Debugf(c.ctx, "UDP keep alive failed: %v", err)
		}
	}
}
