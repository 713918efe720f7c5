package msocket

import (
	"context"
	"net"
	"time"

	"github.com/aptpod/msocket-go/errors"
	"github.com/aptpod/msocket-go/log"
	"github.com/aptpod/msocket-go/transport"
	"github.com/aptpod/msocket-go/wire"
	"golang.org/x/sync/errgroup"
)

// Listenerは、論理コネクションを受け付けるリスナーです。
//
// 受け付けたチャネルのセットアップ制御メッセージに応じて、新しいコネクションの作成、
// 既存コネクションへのフローパス追加、マイグレーションを振り分けます。
type Listener struct {
	ln       transport.Listener
	config   *Config
	logger   log.Logger
	registry *connRegistry

	ctx      context.Context
	cancel   context.CancelFunc
	eg       *errgroup.Group
	acceptCh chan *Conn
}

// Listenは、addressでTCPの接続を待ち受けます。
func Listen(ctx context.Context, address string, opts ...Option) (*Listener, error) {
	ln, err := transport.ListenTCP(address, 0)
	if err != nil {
		return nil, err
	}
	l, err := NewListener(ctx, ln, opts...)
	if err != nil {
		ln.Close()
		return nil, err
	}
	return l, nil
}

// NewListenerは、任意の transport.Listener でリスナーを作成します。
func NewListener(ctx context.Context, ln transport.Listener, opts ...Option) (*Listener, error) {
	config, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	l := &Listener{
		ln:       ln,
		config:   config,
		logger:   config.Logger,
		registry: newConnRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		eg:       eg,
		acceptCh: make(chan *Conn),
	}
	eg.Go(l.acceptLoop)
	return l, nil
}

// Acceptは、確立された論理コネクションを返却します。
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	case c := <-l.acceptCh:
		return c, nil
	}
}

// Closeは、待ち受けを終了します。受け付け済みのコネクションは閉じません。
func (l *Listener) Close() error {
	l.cancel()
	err := l.ln.Close()
	if werr := l.eg.Wait(); werr != nil && !errors.Is(werr, net.ErrClosed) {
		return werr
	}
	return err
}

// Addrは、待ち受けているアドレスを返却します。
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Connsは、このリスナーで確立され、まだ閉じられていないコネクションの数を返却します。
func (l *Listener) Conns() int {
	return l.registry.len()
}

func (l *Listener) acceptLoop() error {
	for {
		ch, err := l.ln.Accept()
		if err != nil {
			if l.ctx.Err() != nil {
				return nil
			}
			l.logger.Errorf(l.ctx, "Accept failed: %v", err)
			return err
		}
		l.eg.Go(func() error {
			if err := l.handshake(ch); err != nil {
				l.logger.Warnf(l.ctx, "Handshake with %s failed: %v", ch.RemoteAddr(), err)
				ch.Close()
			}
			return nil
		})
	}
}

// handshakeは、最初のセットアップ制御メッセージを読み出し、種別に応じて処理します。
func (l *Listener) handshake(ch transport.Channel) error {
	if err := setDeadline(ch, transport.Now().Add(l.config.HandshakeTimeout)); err != nil {
		return err
	}
	m, err := wire.ReadSetupControlMessage(ch)
	if err != nil {
		return errors.Errorf("read setup message: %w", err)
	}
	l.logger.Debugf(l.ctx, "Received %s from %s (conn %d, socket %d)", m.Type, ch.RemoteAddr(), m.ConnID, m.SocketID)

	switch m.Type {
	case wire.SetupNewConn:
		return l.acceptNewConn(ch, m)
	case wire.SetupAddSocket, wire.SetupMigrateSocket:
		c, ok := l.registry.lookup(m.ConnID)
		if !ok {
			l.logger.Infof(l.ctx, "%s for unknown connection %d", m.Type, m.ConnID)
			if err := wire.WriteSetupControlMessage(ch, &wire.SetupControlMessage{
				ConnID:   m.ConnID,
				Type:     wire.SetupMigrateSocketReset,
				SocketID: m.SocketID,
			}); err != nil {
				return err
			}
			ch.Close()
			return nil
		}
		if m.Type == wire.SetupAddSocket {
			return c.acceptFlowpath(ch, m)
		}
		return c.acceptMigration(ch, m)
	default:
		return errors.SetupRejectedError{Type: int32(m.Type)}
	}
}

func (l *Listener) acceptNewConn(ch transport.Channel, m *wire.SetupControlMessage) error {
	var proposal, id uint64
	for {
		proposal = newConnIDProposal()
		id = averageConnID(m.ConnID, proposal)
		if !l.registry.exists(id) {
			break
		}
	}

	var udpPort int32
	if l.config.UDPController != nil {
		udpPort = int32(l.config.UDPController.LocalAddr().Port())
	}
	guid := l.config.GUID
	if guid == (wire.GUID{}) {
		guid = newGUID()
	}
	if err := wire.WriteSetupControlMessage(ch, &wire.SetupControlMessage{
		Addr:     localIPv4(ch),
		Port:     udpPort,
		ConnID:   proposal,
		AckSeq:   m.AckSeq,
		Type:     wire.SetupNewConnReply,
		SocketID: m.SocketID,
		GUID:     guid,
	}); err != nil {
		return err
	}
	if err := clearDeadline(ch); err != nil {
		return err
	}

	config := *l.config
	config.GUID = guid
	c := newConn(&config, id, false)
	c.peerGUID = m.GUID
	if !l.registry.reserve(id, c) {
		c.closeInternal(errors.Errorf("connection id %d is already in use", id))
		return errors.ErrHandshakeFailed
	}
	c.addCloseHook(func() { l.registry.remove(id, c) })

	rtt := time.Duration(m.AckSeq) * time.Millisecond
	if _, err := c.addFlowpath(FlowpathID(m.SocketID), ch, rtt); err != nil {
		c.closeInternal(err)
		return err
	}
	c.registerControl(remoteIPv4(ch), m.Port)
	c.logger.Infof(c.ctx, "Connection %d accepted: %s", id, ch.RemoteAddr())

	select {
	case l.acceptCh <- c:
		return nil
	case <-l.ctx.Done():
		c.closeInternal(net.ErrClosed)
		return nil
	}
}
