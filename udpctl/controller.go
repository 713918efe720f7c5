// Package udpctl は、UDPの制御チャネルを提供します。
//
// 制御チャネルは、データ用のフローパスとは独立して、キープアライブや
// アドレス・ポートの再バインド通知（REBIND_ADDRESS_PORT）を送受信します。
// 送信したメッセージは、相手から ACK_ONLY が返るまで一定間隔で再送されます。
package udpctl

import (
	"context"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/aptpod/msocket-go/errors"
	"github.com/aptpod/msocket-go/internal/retry"
	"github.com/aptpod/msocket-go/log"
	"github.com/aptpod/msocket-go/wire"
)

const (
	defaultMaxAttempt    = 5
	defaultRetryInterval = time.Second
)

// Handler は、受信した制御メッセージを処理する関数です。
//
// fromには、データグラムの送信元アドレスが渡されます。
type Handler func(ctx context.Context, m *wire.ControlMessage, from netip.AddrPort)

type connState struct {
	sendSeq uint32
	ackSeq  uint32
	baseSeq uint32
	remote  netip.AddrPort
	handler Handler
	waiters []*ackWaiter
}

type ackWaiter struct {
	seq    uint32
	cancel context.CancelFunc
}

// Config は、Controller の設定です。
type Config struct {
	// MaxAttempt は、1つのメッセージの最大送信回数です。デフォルトは5回です。
	MaxAttempt int
	// RetryInterval は、再送間隔です。デフォルトは1秒です。
	RetryInterval time.Duration
	// Logger は、ロガーです。デフォルトは log.NewNop() です。
	Logger log.Logger
}

// Controller は、1つのUDPソケット上で複数の論理コネクションの制御メッセージを扱います。
type Controller struct {
	conn   *net.UDPConn
	config Config
	logger log.Logger

	mu     sync.Mutex
	states map[uint64]*connState

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	doneCh    chan struct{}
}

// Listen は、addressで待ち受ける Controller を返却します。受信ループは即座に開始されます。
func Listen(address string, c Config) (*Controller, error) {
	laddr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, err
	}
	return New(conn, c), nil
}

// New は、connを使用する Controller を返却します。受信ループは即座に開始されます。
func New(conn *net.UDPConn, c Config) *Controller {
	if c.MaxAttempt == 0 {
		c.MaxAttempt = defaultMaxAttempt
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	ctl := &Controller{
		conn:   conn,
		config: c,
		logger: c.Logger,
		states: make(map[uint64]*connState),
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go ctl.readLoop()
	return ctl
}

// LocalAddr は、ローカルのUDPアドレスを返却します。
func (c *Controller) LocalAddr() netip.AddrPort {
	return c.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Register は、論理コネクションconnIDを登録します。
//
// remoteには相手の制御チャネルのアドレスを指定します。hには、ACK_ONLY と KEEP_ALIVE 以外の受信メッセージが渡されます。
func (c *Controller) Register(connID uint64, remote netip.AddrPort, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[connID]; ok {
		st.remote = remote
		st.handler = h
		return
	}
	c.states[connID] = &connState{remote: remote, handler: h}
}

// Unregister は、論理コネクションconnIDの登録を解除します。送信待ちの Send は失敗します。
func (c *Controller) Unregister(connID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[connID]
	if !ok {
		return
	}
	delete(c.states, connID)
	for _, w := range st.waiters {
		w.cancel()
	}
}

// Remote は、connIDの相手のアドレスを返却します。
//
// 受信したデータグラムの送信元でアドレスは更新されるため、NATの再バインドに追従します。
func (c *Controller) Remote(connID uint64) (netip.AddrPort, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[connID]
	if !ok {
		return netip.AddrPort{}, false
	}
	return st.remote, true
}

// Send は、制御メッセージを送信し、相手の ACK_ONLY を待ちます。
//
// 確認応答が得られないまま最大送信回数に達した場合は errors.ErrControlTimeout を返却します。
func (c *Controller) Send(ctx context.Context, connID uint64, tp wire.ControlType, port, udpPort int32, addr netip.Addr) error {
	ackCtx, ackCancel := context.WithCancel(ctx)
	defer ackCancel()

	c.mu.Lock()
	st, ok := c.states[connID]
	if !ok {
		c.mu.Unlock()
		return errors.Errorf("connection %d: %w", connID, errors.ErrUnknownConnection)
	}
	seq := st.sendSeq
	st.sendSeq++
	w := &ackWaiter{seq: seq, cancel: ackCancel}
	st.waiters = append(st.waiters, w)
	c.mu.Unlock()
	defer c.removeWaiter(connID, w)

	m := &wire.ControlMessage{
		SendSeq: seq,
		Type:    tp,
		ConnID:  connID,
		Port:    port,
		UDPPort: udpPort,
		Addr:    addr,
	}
	r := retry.Retry{
		MaxAttempt:   c.config.MaxAttempt,
		BaseInterval: c.config.RetryInterval,
		Constant:     true,
	}
	var lastErr error
	err := r.DoContext(ackCtx, func() bool {
		if err := c.write(connID, m); err != nil {
			lastErr = err
			c.logger.Warnf(ctx, "udp control send %s seq=%d: %v", tp, seq, err)
		}
		return false
	})

	if c.acked(connID, seq) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if lastErr != nil {
			return errors.Join(errors.ErrControlTimeout, lastErr)
		}
		return errors.ErrControlTimeout
	}
	if err == nil || errors.Is(err, context.Canceled) {
		// Unregister
		return errors.Errorf("connection %d: %w", connID, errors.ErrUnknownConnection)
	}
	return err
}

// KeepAlive は、connIDの相手へ KEEP_ALIVE を1回送信します。確認応答は待ちません。
func (c *Controller) KeepAlive(connID uint64) error {
	c.mu.Lock()
	st, ok := c.states[connID]
	if !ok {
		c.mu.Unlock()
		return errors.Errorf("connection %d: %w", connID, errors.ErrUnknownConnection)
	}
	m := &wire.ControlMessage{SendSeq: st.sendSeq, AckSeq: st.ackSeq, Type: wire.ControlKeepAlive, ConnID: connID}
	c.mu.Unlock()
	return c.write(connID, m)
}

// Close は、受信ループを終了してソケットを閉じます。
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
		<-c.doneCh
	})
	return err
}

func (c *Controller) acked(connID uint64, seq uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[connID]
	if !ok {
		return false
	}
	return st.baseSeq > seq
}

func (c *Controller) write(connID uint64, m *wire.ControlMessage) error {
	c.mu.Lock()
	st, ok := c.states[connID]
	if !ok {
		c.mu.Unlock()
		return errors.ErrUnknownConnection
	}
	m.AckSeq = st.ackSeq
	remote := st.remote
	c.mu.Unlock()

	bs, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = c.conn.WriteToUDPAddrPort(bs, remote)
	return err
}

func (c *Controller) readLoop() {
	defer close(c.doneCh)
	buf := make([]byte, 2*wire.ControlMessageSize)
	for {
		n, from, err := c.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warnf(c.ctx, "udp control read: %v", err)
			continue
		}
		var m wire.ControlMessage
		if err := m.UnmarshalBinary(buf[:n]); err != nil {
			c.logger.Warnf(c.ctx, "udp control from %s: %v", from, err)
			continue
		}
		c.handle(&m, from)
	}
}

func (c *Controller) handle(m *wire.ControlMessage, from netip.AddrPort) {
	c.mu.Lock()
	st, ok := c.states[m.ConnID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debugf(c.ctx, "udp control for unknown connection %d", m.ConnID)
		return
	}
	st.remote = from

	switch {
	case m.Type == wire.ControlKeepAlive:
		c.mu.Unlock()
		return
	case m.Type == wire.ControlAckOnly:
		if m.AckSeq > st.baseSeq {
			st.baseSeq = m.AckSeq
		}
		st.waiters = notifyWaiters(st.waiters, st.baseSeq)
		c.mu.Unlock()
		return
	case m.SendSeq > st.ackSeq:
		c.mu.Unlock()
		c.logger.Warnf(c.ctx, "udp control desync: seq=%d ackSeq=%d", m.SendSeq, st.ackSeq)
		return
	}

	duplicate := m.SendSeq < st.ackSeq
	if !duplicate {
		st.ackSeq = m.SendSeq + 1
	}
	h := st.handler
	c.mu.Unlock()

	if !duplicate && h != nil {
		h(c.ctx, m, from)
	}
	if err := c.write(m.ConnID, &wire.ControlMessage{Type: wire.ControlAckOnly, ConnID: m.ConnID, SendSeq: m.SendSeq}); err != nil {
		c.logger.Warnf(c.ctx, "udp control ack: %v", err)
	}
}

func (c *Controller) removeWaiter(connID uint64, w *ackWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[connID]
	if !ok {
		return
	}
	st.waiters = slices.DeleteFunc(st.waiters, func(v *ackWaiter) bool { return v == w })
}

func notifyWaiters(ws []*ackWaiter, base uint32) []*ackWaiter {
	res := ws[:0]
	for _, w := range ws {
		if w.seq < base {
			w.cancel()
			continue
		}
		res = append(res, w)
	}
	return res
}
