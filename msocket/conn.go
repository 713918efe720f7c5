package msocket

import (
	"context"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aptpod/msocket-go/buffer"
	"github.com/aptpod/msocket-go/errors"
	"github.com/aptpod/msocket-go/log"
	"github.com/aptpod/msocket-go/scheduler"
	"github.com/aptpod/msocket-go/transport"
	"github.com/aptpod/msocket-go/udpctl"
	"github.com/aptpod/msocket-go/wire"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Connは、複数のフローパス上に1本のバイトストリームを多重化する論理コネクションです。
//
// Read、Write、Closeは並行に呼び出すことができます。
type Conn struct {
	config    *Config
	ctx       context.Context
	cancel    context.CancelFunc
	logger    log.Logger
	metrics   *Metrics
	connID    uint64
	guid      wire.GUID
	peerGUID  wire.GUID
	initiator bool

	// addressは、接続時に指定したアドレスまたはエイリアスです。
	address string
	// nicは、フローパスの接続に使用するNIC名です。migrationMuで保護します。
	nic string

	sendBuf *buffer.SendBuffer

	recvMu  sync.Mutex
	recvBuf *buffer.ReceiveBuffer
	parked  *parkedRead
	peerFin atomic.Bool

	phase    *phaseState
	closer   closeMachine
	selector scheduler.Selector

	pathsMu sync.RWMutex
	paths   map[FlowpathID]*flowpath
	order   []FlowpathID
	idGen   *wire.IDGenerator

	readMu      sync.Mutex
	writeMu     sync.Mutex
	migrationMu sync.Mutex

	pathChanged   notifier
	acked         notifier
	readable      notifier
	retransmitter *retransmitter

	spawnMu     sync.Mutex
	spawnClosed bool
	eg          errgroup.Group

	closeOnce sync.Once
	closedCh  chan struct{}
	closeErr  error

	keepAlive    *KeepAliveRegistry
	ownKeepAlive bool
	udp          *udpctl.Controller

	onCloseMu sync.Mutex
	onClose   []func()
}

// parkedReadは、データを待機しているアプリケーションのReadです。
//
// リーダーは順序どおりのデータを受信した場合、ReceiveBufferを経由せずdstへ直接コピーします。
type parkedRead struct {
	dst []byte
	n   int
}

func newConn(config *Config, connID uint64, initiator bool) *Conn {
	ctx, cancel := context.WithCancel(log.WithTrackConnID(context.Background()))
	c := &Conn{
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
		metrics:   config.Metrics,
		connID:    connID,
		guid:      config.GUID,
		initiator: initiator,
		sendBuf:   buffer.NewSendBuffer(config.MaxSendBufferSize),
		recvBuf:   buffer.NewReceiveBuffer(),
		phase:     newPhaseState(),
		selector:  config.newSelector(),
		paths:     make(map[FlowpathID]*flowpath),
		idGen:     wire.NewIDGenerator(0),
		closedCh:  make(chan struct{}),
		udp:       config.UDPController,
	}
	if c.guid == (wire.GUID{}) {
		c.guid = newGUID()
	}
	c.retransmitter = newRetransmitter(c)

	c.keepAlive = config.KeepAliveRegistry
	if c.keepAlive == nil {
		c.keepAlive = NewKeepAliveRegistry(config.KeepAliveInterval)
		c.ownKeepAlive = true
	}
	c.keepAlive.Register(c)
	if config.NICManager != nil && initiator {
		c.nic = config.NICManager.GetCurrentNIC()
		c.spawn(c.watchNIC)
	}
	c.metrics.addConnections(1)
	return c
}

// ConnectionIDは、コネクションIDを返却します。
func (c *Conn) ConnectionID() uint64 {
	return c.connID
}

// GUIDは、自身の識別子を返却します。
func (c *Conn) GUID() wire.GUID {
	return c.guid
}

// PeerGUIDは、相手の識別子を返却します。
func (c *Conn) PeerGUID() wire.GUID {
	return c.peerGUID
}

// ClosePhaseは、切断シーケンスの現在の状態を返却します。
func (c *Conn) ClosePhase() ClosePhase {
	return c.closer.Current()
}

// Doneは、コネクションが閉じられた時に閉じられるチャネルを返却します。
func (c *Conn) Done() <-chan struct{} {
	return c.closedCh
}

// Flowpathsは、全てのフローパスのスナップショットをID順に返却します。
func (c *Conn) Flowpaths() []FlowpathInfo {
	paths := c.flowpathList()
	res := make([]FlowpathInfo, 0, len(paths))
	for _, fp := range paths {
		res = append(res, fp.info())
	}
	return res
}

// LocalAddrは、最初のアクティブなフローパスのローカルアドレスを返却します。
func (c *Conn) LocalAddr() net.Addr {
	for _, info := range c.Flowpaths() {
		if info.Active {
			return info.LocalAddr
		}
	}
	return nil
}

// RemoteAddrは、最初のアクティブなフローパスのリモートアドレスを返却します。
func (c *Conn) RemoteAddr() net.Addr {
	for _, info := range c.Flowpaths() {
		if info.Active {
			return info.RemoteAddr
		}
	}
	return nil
}

// Readは、受信したバイト列を順序どおりにpへ読み出します。
//
// データが届くまでブロックします。相手がCloseし、全てのデータを読み出した後はio.EOFを返却します。
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		w := c.readable.wait()
		entered := c.phase.EnterReadWrite(true)

		c.recvMu.Lock()
		var n int
		if c.parked != nil {
			n = c.parked.n
			c.parked = nil
		}
		if n == 0 {
			n = c.recvBuf.Deliver(p)
		}
		fin := c.peerFin.Load()
		if n == 0 && entered && !fin {
			c.parked = &parkedRead{dst: p}
		}
		c.recvMu.Unlock()
		if entered {
			c.phase.Release()
		}

		if n > 0 {
			c.metrics.addBytesRead(n)
			return n, nil
		}
		if fin {
			return 0, io.EOF
		}
		if !entered {
			return 0, c.closedError()
		}
		select {
		case <-w:
		case <-c.closedCh:
		}
	}
}

// Writeは、pを送信バッファへ追加し、チャンクに分割してフローパスへ送信します。
//
// 送信バッファの上限を超える場合は errors.ErrSendBufferFull を返却し、何も送信しません。
// 利用可能なフローパスがない場合は、フローパスが復帰するかコネクションが閉じられるまでブロックします。
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.phase.IsClosed() {
		return 0, c.closedError()
	}
	if c.closer.Current() != ClosePhaseActive && c.closer.Current() != ClosePhaseCloseWait {
		return 0, errors.ErrConnectionClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	start := c.sendBuf.SendSeq()
	if !c.sendBuf.Append(p) {
		return 0, errors.ErrSendBufferFull
	}
	for off := 0; off < len(p); {
		end := min(off+c.config.ChunkSize, len(p))
		if err := c.sendChunk(start+uint64(off), p[off:end]); err != nil {
			return off, err
		}
		off = end
	}
	c.metrics.addBytesWritten(len(p))
	if c.numFlowpaths() >= 2 {
		c.retransmitter.trigger()
	}
	return len(p), nil
}

// Closeは、切断シーケンスを実行してコネクションを閉じます。
//
// 送信済みデータの確認応答とFINの交換を CloseTimeout まで待ち、経過した場合は強制的に閉じます。
// 2回目以降の呼び出しはnilを返却します。
func (c *Conn) Close() error {
	defer c.eg.Wait()
	select {
	case <-c.closedCh:
		return nil
	default:
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.config.CloseTimeout)
	defer cancel()

	if err := c.waitBacklog(ctx); err != nil {
		c.logger.Warnf(c.ctx, "Close: send backlog is not acknowledged: %v", err)
	}

	t := c.closer.Close()
	c.logger.Debugf(c.ctx, "Close: %s -> %s", t.From, t.To)
	if t.SendFin {
		if !c.sendControlAny(wire.MessageTypeFin, nil) {
			c.closeInternal(errors.ErrNoActiveFlowpath)
			return nil
		}
	}

	if err := c.phase.WaitUntil(ctx, phaseClosed); err != nil {
		c.logger.Warnf(c.ctx, "Close: close handshake timed out in %s", c.closer.Current())
		c.closeInternal(context.DeadlineExceeded)
	}
	return nil
}

// waitBacklogは、送信バッファの全てのデータが確認応答されるまで待機します。
func (c *Conn) waitBacklog(ctx context.Context) error {
	for {
		w := c.acked.wait()
		base, send := c.sendBuf.Unacked()
		if base >= send {
			return nil
		}
		select {
		case <-w:
		case <-c.closedCh:
			return c.closedError()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// closeInternalは、コネクションを即座に閉じます。causeがnilの場合は正常な切断です。
func (c *Conn) closeInternal(cause error) {
	c.closeOnce.Do(func() {
		if cause != nil {
			c.logger.Infof(c.ctx, "Connection %d closed: %v", c.connID, cause)
		} else {
			c.logger.Infof(c.ctx, "Connection %d closed", c.connID)
		}
		c.closeErr = cause
		c.phase.ForceClosed()
		c.closer.ForceClosed()

		c.spawnMu.Lock()
		c.spawnClosed = true
		c.spawnMu.Unlock()

		close(c.closedCh)
		c.cancel()

		for _, fp := range c.flowpathList() {
			fp.mu.Lock()
			if fp.active {
				c.metrics.addFlowpaths(-1)
			}
			fp.active = false
			fp.stopWithoutLock()
			fp.queue = nil
			fp.partialOffset = 0
			fp.inFlight = false
			fp.mu.Unlock()
		}
		c.sendBuf.Reset()

		c.keepAlive.Unregister(c)
		if c.ownKeepAlive {
			c.keepAlive.Close()
		}
		if c.udp != nil {
			c.udp.Unregister(c.connID)
		}
		c.onCloseMu.Lock()
		hooks := c.onClose
		c.onClose = nil
		c.onCloseMu.Unlock()
		for _, f := range hooks {
			f()
		}

		c.pathChanged.broadcast()
		c.acked.broadcast()
		c.readable.broadcast()
		c.metrics.addConnections(-1)
	})
}

func (c *Conn) addCloseHook(f func()) {
	c.onCloseMu.Lock()
	defer c.onCloseMu.Unlock()
	c.onClose = append(c.onClose, f)
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

func (c *Conn) closedError() error {
	select {
	case <-c.closedCh:
	default:
		return errors.ErrConnectionClosed
	}
	if c.closeErr == nil {
		return errors.ErrConnectionClosed
	}
	return errors.Errorf("%w: %w", errors.ErrConnectionClosed, c.closeErr)
}

// spawnは、コネクションのバックグラウンド処理を開始します。閉じられた後は何もしません。
func (c *Conn) spawn(f func()) bool {
	c.spawnMu.Lock()
	defer c.spawnMu.Unlock()
	if c.spawnClosed {
		return false
	}
	c.eg.Go(func() error {
		f()
		return nil
	})
	return true
}

func (c *Conn) flowpath(id FlowpathID) (*flowpath, bool) {
	c.pathsMu.RLock()
	defer c.pathsMu.RUnlock()
	fp, ok := c.paths[id]
	return fp, ok
}

// flowpathListは、フローパスを追加された順に返却します。
func (c *Conn) flowpathList() []*flowpath {
	c.pathsMu.RLock()
	defer c.pathsMu.RUnlock()
	res := make([]*flowpath, 0, len(c.order))
	for _, id := range c.order {
		res = append(res, c.paths[id])
	}
	return res
}

func (c *Conn) numFlowpaths() int {
	c.pathsMu.RLock()
	defer c.pathsMu.RUnlock()
	return len(c.paths)
}

// addFlowpathは、新しいフローパスを登録し、チャネルを割り当てます。
func (c *Conn) addFlowpath(id FlowpathID, ch transport.Channel, rtt time.Duration) (*flowpath, error) {
	fp := newFlowpath(c.ctx, id, rtt)
	c.pathsMu.Lock()
	if _, ok := c.paths[id]; ok {
		c.pathsMu.Unlock()
		return nil, errors.Errorf("flowpath %d already exists", id)
	}
	c.paths[id] = fp
	c.order = append(c.order, id)
	slices.Sort(c.order)
	c.pathsMu.Unlock()
	c.idGen.Observe(int32(id))

	if err := c.installChannel(fp, ch, rtt, nil, false); err != nil {
		c.removeFlowpath(fp)
		return nil, err
	}
	c.logger.Infof(fp.ctx, "Flowpath %d added: %s -> %s", id, ch.LocalAddr(), ch.RemoteAddr())
	return fp, nil
}

// removeFlowpathは、フローパスを削除しチャネルを閉じます。
func (c *Conn) removeFlowpath(fp *flowpath) {
	c.pathsMu.Lock()
	if cur, ok := c.paths[fp.id]; !ok || cur != fp {
		c.pathsMu.Unlock()
		return
	}
	delete(c.paths, fp.id)
	c.order = slices.DeleteFunc(c.order, func(id FlowpathID) bool { return id == fp.id })
	c.pathsMu.Unlock()

	fp.mu.Lock()
	if fp.active {
		c.metrics.addFlowpaths(-1)
	}
	fp.active = false
	fp.stopWithoutLock()
	fp.mu.Unlock()

	if r, ok := c.selector.(scheduler.PathRemover); ok {
		r.RemovePath(fp.id)
	}
	c.logger.Infof(fp.ctx, "Flowpath %d removed", fp.id)
	c.pathChanged.broadcast()
}

// installChannelは、フローパスへチャネルを割り当て、読み書きループを開始します。
//
// peerAckには相手が確認応答したシーケンス番号を指定します。migratedがtrueの場合、未確認のデータを再送します。
func (c *Conn) installChannel(fp *flowpath, ch transport.Channel, rtt time.Duration, peerAck *uint32, migrated bool) error {
	if !c.phase.EnterReadWrite(true) {
		ch.Close()
		return c.closedError()
	}
	if peerAck != nil {
		c.applyAck(*peerAck)
	}
	g, wasActive := fp.swap(ch, rtt, migrated)
	c.phase.Release()

	if !wasActive {
		c.metrics.addFlowpaths(1)
	}
	if !c.startGeneration(fp, g) {
		return c.closedError()
	}
	c.pathChanged.broadcast()
	if migrated {
		c.spawn(func() {
			c.resendUnacked(fp, c.sendBuf.SendSeq())
		})
		c.retransmitter.trigger()
	}
	return nil
}

func (c *Conn) startGeneration(fp *flowpath, g generation) bool {
	c.spawnMu.Lock()
	defer c.spawnMu.Unlock()
	if c.spawnClosed {
		g.ch.Close()
		return false
	}
	c.eg.Go(func() error {
		c.runReader(fp, g)
		return nil
	})
	c.eg.Go(func() error {
		c.runWriter(fp, g)
		return nil
	})
	return true
}

// flowpathFailedは、世代genのチャネルで発生した失敗を処理します。
func (c *Conn) flowpathFailed(fp *flowpath, gen uint64, err error) {
	if c.isClosed() {
		return
	}
	if !fp.markInactive(gen) {
		return
	}
	c.metrics.addFlowpaths(-1)
	c.logger.Warnf(fp.ctx, "Flowpath %d failed: %v", fp.id, err)
	c.pathChanged.broadcast()
	c.retransmitter.trigger()

	h := c.config.FailureHandler
	if h == nil {
		if !c.initiator || !c.config.AutoMigrate {
			return
		}
		h = FailureHandlerFunc(autoMigrate)
	}
	// ハンドラからCloseを呼び出せるよう、コネクションのゴルーチンとは別に実行する
	go h.OnFlowpathFailure(c, fp.id, err)
}

func autoMigrate(c *Conn, id FlowpathID, cause error) {
	fp, ok := c.flowpath(id)
	if !ok || !fp.migrating.CompareAndSwap(false, true) {
		return
	}
	defer fp.migrating.Store(false)
	if err := c.MigrateFlowpath(c.ctx, id, ""); err != nil {
		c.logger.Warnf(fp.ctx, "Auto migration of flowpath %d failed: %v", id, err)
	}
}

// applyAckは、相手から受け取った確認応答をSendBufferへ反映します。
func (c *Conn) applyAck(v uint32) bool {
	base, send := c.sendBuf.Unacked()
	ack := wire.ExtendSeq(base, v)
	if ack > send {
		c.logger.Debugf(c.ctx, "Ignored ack %d beyond send seq %d", ack, send)
		return false
	}
	if !c.sendBuf.Ack(ack) {
		return false
	}
	c.acked.broadcast()
	return true
}

// ackSeqは、相手へ通知する確認応答のシーケンス番号を返却します。
func (c *Conn) ackSeq() uint64 {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return c.recvBuf.Frontier()
}

func newGUID() wire.GUID {
	var g wire.GUID
	u := uuid.New()
	copy(g[:], u[:])
	return g
}

// newConnIDProposalは、コネクションIDの提案値を生成します。
func newConnIDProposal() uint64 {
	u := uuid.New()
	var v uint64
	for _, b := range u[:8] {
		v = v<<8 | uint64(b)
	}
	return v
}

// averageConnIDは、オーバーフローせずに2つの提案値の平均を求めます。
func averageConnID(a, b uint64) uint64 {
	return a/2 + b/2 + (a & b & 1)
}
