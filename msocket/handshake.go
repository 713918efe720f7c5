package msocket

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/aptpod/msocket-go/errors"
	"github.com/aptpod/msocket-go/transport"
	"github.com/aptpod/msocket-go/wire"
)

// Dialは、addressへ接続し、1本目のフローパスで論理コネクションを確立します。
//
// Resolverが設定されている場合、addressはエイリアスとして解決されます。
func Dial(ctx context.Context, address string, opts ...Option) (*Conn, error) {
	config, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	target := address
	if config.Resolver != nil {
		target, err = config.Resolver.Resolve(ctx, address)
		if err != nil {
			return nil, errors.Errorf("resolve %s: %w", address, err)
		}
	}
	nic := ""
	if config.NICManager != nil {
		nic = config.NICManager.GetCurrentNIC()
	}

	start := transport.Now()
	ch, err := config.Dialer.Dial(ctx, transport.DialConfig{Address: target, NIC: nic})
	if err != nil {
		return nil, errors.Errorf("dial %s: %w", target, err)
	}
	rtt := transport.Now().Sub(start)

	guid := config.GUID
	if guid == (wire.GUID{}) {
		guid = newGUID()
		config.GUID = guid
	}
	var udpPort int32
	if config.UDPController != nil {
		udpPort = int32(config.UDPController.LocalAddr().Port())
	}
	proposal := newConnIDProposal()
	reply, err := exchangeSetup(ctx, ch, config.HandshakeTimeout, &wire.SetupControlMessage{
		Addr:     localIPv4(ch),
		Port:     udpPort,
		ConnID:   proposal,
		AckSeq:   uint32(rtt.Milliseconds()),
		Type:     wire.SetupNewConn,
		SocketID: 0,
		GUID:     guid,
	})
	if err != nil {
		ch.Close()
		return nil, err
	}
	if reply.Type != wire.SetupNewConnReply {
		ch.Close()
		return nil, errors.SetupRejectedError{Type: int32(reply.Type)}
	}

	c := newConn(config, averageConnID(proposal, reply.ConnID), true)
	c.address = address
	c.peerGUID = reply.GUID
	c.logger.Infof(c.ctx, "Connection %d established: %s", c.connID, ch.RemoteAddr())
	if _, err := c.addFlowpath(0, ch, rtt); err != nil {
		c.closeInternal(err)
		return nil, err
	}
	c.registerControl(remoteIPv4(ch), reply.Port)
	return c, nil
}

// registerControlは、相手のUDP制御ポートをUDPの制御チャネルへ登録します。
func (c *Conn) registerControl(peer netip.Addr, port int32) {
	if c.udp == nil || port == 0 || !peer.IsValid() {
		return
	}
	c.udp.Register(c.connID, netip.AddrPortFrom(peer, uint16(port)), c.handleControl)
	c.logger.Debugf(c.ctx, "Registered UDP control peer %s", net.JoinHostPort(peer.String(), portString(port)))
}

// FlowpathOptionは、AddFlowpathのオプションです。
type FlowpathOption func(*flowpathOptions)

type flowpathOptions struct {
	nic string
}

// WithFlowpathNICは、フローパスの接続に使用するNICを指定します。
func WithFlowpathNIC(nic string) FlowpathOption {
	return func(o *flowpathOptions) {
		o.nic = nic
	}
}

// AddFlowpathは、addressへ新しいフローパスを接続し、論理コネクションへ追加します。
func (c *Conn) AddFlowpath(ctx context.Context, address string, opts ...FlowpathOption) (FlowpathID, error) {
	if c.isClosed() {
		return 0, c.closedError()
	}
	var o flowpathOptions
	for _, opt := range opts {
		opt(&o)
	}
	addr, err := c.resolveAddress(ctx, address)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	id := FlowpathID(c.idGen.Next())
	start := transport.Now()
	ch, err := c.config.Dialer.Dial(ctx, transport.DialConfig{Address: addr, NIC: o.nic})
	if err != nil {
		return 0, errors.Errorf("dial %s: %w", addr, err)
	}
	rtt := transport.Now().Sub(start)

	reply, err := exchangeSetup(ctx, ch, c.config.HandshakeTimeout, &wire.SetupControlMessage{
		Addr:     localIPv4(ch),
		Port:     c.udpPort(),
		ConnID:   c.connID,
		AckSeq:   uint32(rtt.Milliseconds()),
		Type:     wire.SetupAddSocket,
		SocketID: int32(id),
		GUID:     c.guid,
	})
	if err != nil {
		ch.Close()
		return 0, err
	}
	switch reply.Type {
	case wire.SetupAddSocketReply:
	case wire.SetupMigrateSocketReset:
		ch.Close()
		return 0, errors.Errorf("add flowpath %d: %w", id, errors.ErrUnknownConnection)
	default:
		ch.Close()
		return 0, errors.SetupRejectedError{Type: int32(reply.Type)}
	}
	if _, err := c.addFlowpath(id, ch, rtt); err != nil {
		return 0, err
	}
	return id, nil
}

// acceptFlowpathは、相手からのADD_SOCKETを受け入れます。
func (c *Conn) acceptFlowpath(ch transport.Channel, m *wire.SetupControlMessage) error {
	if err := wire.WriteSetupControlMessage(ch, &wire.SetupControlMessage{
		Addr:     localIPv4(ch),
		Port:     c.udpPort(),
		ConnID:   c.connID,
		AckSeq:   m.AckSeq,
		Type:     wire.SetupAddSocketReply,
		SocketID: m.SocketID,
		GUID:     c.guid,
	}); err != nil {
		return err
	}
	if err := clearDeadline(ch); err != nil {
		return err
	}
	_, err := c.addFlowpath(FlowpathID(m.SocketID), ch, time.Duration(m.AckSeq)*time.Millisecond)
	return err
}

// RemoveFlowpathは、フローパスidを閉じます。
//
// CLOSE_FLOWPATHを送信し、以降はフローパスを送信先として選択しません。
// 相手からCLOSE_FLOWPATHが届いた時点でチャネルを閉じます。
func (c *Conn) RemoveFlowpath(id FlowpathID) error {
	fp, ok := c.flowpath(id)
	if !ok {
		return errors.Errorf("flowpath %d: %w", id, errors.ErrNoActiveFlowpath)
	}
	fp.mu.Lock()
	if fp.closeSent {
		fp.mu.Unlock()
		return nil
	}
	fp.closing = true
	fp.closeSent = true
	seen := uint64(fp.closeAcksSeen)
	fp.mu.Unlock()
	c.pathChanged.broadcast()

	if !c.sendControl(fp, wire.MessageTypeCloseFlowpath, 0, &seen, nil) {
		c.removeFlowpath(fp)
	}
	return nil
}

// exchangeSetupは、セットアップ制御メッセージを送信し、応答を受信します。
func exchangeSetup(ctx context.Context, ch transport.Channel, timeout time.Duration, m *wire.SetupControlMessage) (*wire.SetupControlMessage, error) {
	deadline := transport.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := setDeadline(ch, deadline); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		// キャンセルされた場合は読み書きを即座に中断させる
		_ = setDeadline(ch, time.Unix(1, 0))
	})
	defer stop()

	if err := wire.WriteSetupControlMessage(ch, m); err != nil {
		return nil, errors.Errorf("write %s: %w", m.Type, joinCtxErr(ctx, err))
	}
	reply, err := wire.ReadSetupControlMessage(ch)
	if err != nil {
		return nil, errors.Errorf("read reply of %s: %w", m.Type, joinCtxErr(ctx, err))
	}
	if reply.Type == wire.SetupMigrateSocketReset {
		// 相手はRESETの送信後にチャネルを閉じるため、期限の解除は行わない
		return reply, nil
	}
	if !stop() {
		return nil, ctx.Err()
	}
	if err := clearDeadline(ch); err != nil {
		return nil, err
	}
	return reply, nil
}

func joinCtxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Join(ctx.Err(), err)
	}
	return err
}

func setDeadline(ch transport.Channel, t time.Time) error {
	if err := ch.SetReadDeadline(t); err != nil {
		return err
	}
	return ch.SetWriteDeadline(t)
}

func clearDeadline(ch transport.Channel) error {
	return setDeadline(ch, time.Time{})
}
