package msocket

import (
	"context"
	"net/netip"
	"strconv"

	"github.com/aptpod/msocket-go/errors"
	"github.com/aptpod/msocket-go/transport"
	"github.com/aptpod/msocket-go/wire"
)

// MigrateFlowpathは、フローパスidを新しいチャネルへ付け替えます。
//
// addressが空の場合、Resolverで接続時のエイリアスを解決し、Resolverがない場合は接続時のアドレスを使用します。
// 相手がコネクションを知らない場合（MIGRATE_SOCKET_RESET）はコネクションを強制的に閉じ、errors.ErrMigrationResetを返却します。
// MigrationTimeoutまでに完了しない場合はフローパスを非アクティブにし、errors.ErrMigrationTimeoutを返却します。
// 失敗しても自動的には再試行しません。
func (c *Conn) MigrateFlowpath(ctx context.Context, id FlowpathID, address string) error {
	c.migrationMu.Lock()
	defer c.migrationMu.Unlock()
	return c.migrateWithoutLock(ctx, id, address)
}

// MigrateAllは、全てのフローパスを順にマイグレーションします。
func (c *Conn) MigrateAll(ctx context.Context, address string) error {
	c.migrationMu.Lock()
	defer c.migrationMu.Unlock()
	var errs []error
	for _, fp := range c.flowpathList() {
		if err := c.migrateWithoutLock(ctx, fp.id, address); err != nil {
			if errors.Is(err, errors.ErrMigrationReset) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Conn) migrateWithoutLock(ctx context.Context, id FlowpathID, address string) error {
	if c.isClosed() {
		return c.closedError()
	}
	fp, ok := c.flowpath(id)
	if !ok {
		return errors.Errorf("flowpath %d: %w", id, errors.ErrNoActiveFlowpath)
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.MigrationTimeout)
	defer cancel()

	c.logger.Infof(fp.ctx, "Migrating flowpath %d", id)
	err := c.migrate(ctx, fp, address)
	switch {
	case err == nil:
		c.metrics.incMigrations(migrationResultOK)
		c.logger.Infof(fp.ctx, "Migrated flowpath %d", id)
		return nil
	case errors.Is(err, errors.ErrMigrationReset):
		c.metrics.incMigrations(migrationResultReset)
		c.closeInternal(err)
		return err
	case errors.Is(err, errors.ErrConnectionClosed):
		return err
	}

	// 古いチャネルも信頼できないため閉じる
	fp.mu.Lock()
	gen := fp.gen
	fp.mu.Unlock()
	if fp.markInactive(gen) {
		c.metrics.addFlowpaths(-1)
		c.pathChanged.broadcast()
	}
	// 読み書きの期限がctxより先に切れた場合もタイムアウトとして扱う
	if ctx.Err() != nil || transport.IsTimeout(err) {
		c.metrics.incMigrations(migrationResultTimeout)
		return errors.Errorf("flowpath %d: %w: %v", id, errors.ErrMigrationTimeout, err)
	}
	c.metrics.incMigrations(migrationResultError)
	return &errors.FlowpathError{FlowpathID: int32(id), Op: "migrate", Err: err}
}

func (c *Conn) migrate(ctx context.Context, fp *flowpath, address string) error {
	addr, err := c.resolveAddress(ctx, address)
	if err != nil {
		return err
	}
	start := transport.Now()
	ch, err := c.config.Dialer.Dial(ctx, transport.DialConfig{Address: addr, NIC: c.nic})
	if err != nil {
		return errors.Errorf("dial %s: %w", addr, err)
	}
	rtt := transport.Now().Sub(start)

	reply, err := exchangeSetup(ctx, ch, c.config.HandshakeTimeout, &wire.SetupControlMessage{
		Addr:     localIPv4(ch),
		Port:     c.udpPort(),
		ConnID:   c.connID,
		AckSeq:   uint32(c.ackSeq()),
		Type:     wire.SetupMigrateSocket,
		SocketID: int32(fp.id),
		GUID:     c.guid,
	})
	if err != nil {
		ch.Close()
		return err
	}
	switch reply.Type {
	case wire.SetupMigrateSocketReply:
	case wire.SetupMigrateSocketReset:
		ch.Close()
		return errors.ErrMigrationReset
	default:
		ch.Close()
		return errors.SetupRejectedError{Type: int32(reply.Type)}
	}

	ack := reply.AckSeq
	return c.installChannel(fp, ch, rtt, &ack, true)
}

// acceptMigrationは、相手からのMIGRATE_SOCKETを受け入れ、フローパスを付け替えます。
func (c *Conn) acceptMigration(ch transport.Channel, m *wire.SetupControlMessage) error {
	id := FlowpathID(m.SocketID)
	fp, ok := c.flowpath(id)
	if !ok {
		return errors.Errorf("flowpath %d: %w", id, errors.ErrNoActiveFlowpath)
	}
	if err := wire.WriteSetupControlMessage(ch, &wire.SetupControlMessage{
		Addr:     localIPv4(ch),
		Port:     c.udpPort(),
		ConnID:   c.connID,
		AckSeq:   uint32(c.ackSeq()),
		Type:     wire.SetupMigrateSocketReply,
		SocketID: m.SocketID,
		GUID:     c.guid,
	}); err != nil {
		return err
	}
	if err := clearDeadline(ch); err != nil {
		return err
	}
	ack := m.AckSeq
	if err := c.installChannel(fp, ch, 0, &ack, true); err != nil {
		return err
	}
	c.metrics.incMigrations(migrationResultOK)
	c.logger.Infof(fp.ctx, "Flowpath %d migrated by peer: %s", id, ch.RemoteAddr())
	return nil
}

func (c *Conn) resolveAddress(ctx context.Context, address string) (string, error) {
	if address != "" {
		return address, nil
	}
	if c.config.Resolver == nil {
		return c.address, nil
	}
	res, err := c.config.Resolver.Resolve(ctx, c.address)
	if err != nil {
		return "", errors.Errorf("resolve %s: %w", c.address, err)
	}
	return res, nil
}

// watchNICは、NICの切り替えを監視し、切り替え先のNICで全てのフローパスをマイグレーションします。
func (c *Conn) watchNIC() {
	ch := c.config.NICManager.Subscribe()
	for {
		select {
		case <-c.closedCh:
			return
		case nic, ok := <-ch:
			if !ok {
				return
			}
			c.migrationMu.Lock()
			if c.nic == nic {
				c.migrationMu.Unlock()
				continue
			}
			c.logger.Infof(c.ctx, "NIC changed: %s -> %s", c.nic, nic)
			c.nic = nic
			c.migrationMu.Unlock()
			if err := c.MigrateAll(c.ctx, ""); err != nil {
				c.logger.Warnf(c.ctx, "Migration after NIC change failed: %v", err)
			}
		}
	}
}

// handleControlは、UDPの制御チャネルで受信したメッセージを処理します。
func (c *Conn) handleControl(ctx context.Context, m *wire.ControlMessage, from netip.AddrPort) {
	switch m.Type {
	case wire.ControlRebindAddressPort:
		if !c.initiator {
			c.logger.Debugf(c.ctx, "Ignored %s from %s", m.Type, from)
			return
		}
		addr := m.Addr
		if !addr.IsValid() || addr.IsUnspecified() {
			addr = from.Addr()
		}
		target := netip.AddrPortFrom(addr, uint16(m.Port)).String()
		c.logger.Infof(c.ctx, "Peer rebound to %s", target)
		c.spawn(func() {
			if err := c.MigrateAll(c.ctx, target); err != nil {
				c.logger.Warnf(c.ctx, "Migration to %s failed: %v", target, err)
			}
		})
	default:
		c.logger.Debugf(c.ctx, "Ignored control message %s", m.Type)
	}
}

// AnnounceRebindは、UDPの制御チャネルで自身の新しいアドレスとポートを相手へ通知します。
//
// 通知を受けた相手は、全てのフローパスを新しいアドレスへマイグレーションします。
func (c *Conn) AnnounceRebind(ctx context.Context, addr netip.AddrPort) error {
	if c.udp == nil {
		return errors.New("udp controller is not configured")
	}
	return c.udp.Send(ctx, c.connID, wire.ControlRebindAddressPort, int32(addr.Port()), c.udpPort(), addr.Addr())
}

func (c *Conn) udpPort() int32 {
	if c.udp == nil {
		return 0
	}
	return int32(c.udp.LocalAddr().Port())
}

// localIPv4は、チャネルのローカルアドレスがIPv4の場合に返却します。
func localIPv4(ch transport.Channel) netip.Addr {
	return ipv4Of(ch.LocalAddr().String())
}

func remoteIPv4(ch transport.Channel) netip.Addr {
	return ipv4Of(ch.RemoteAddr().String())
}

func ipv4Of(hostport string) netip.Addr {
	ap, err := netip.ParseAddrPort(hostport)
	if err != nil {
		return netip.Addr{}
	}
	a := ap.Addr().Unmap()
	if !a.Is4() {
		return netip.Addr{}
	}
	return a
}

func portString(p int32) string {
	return strconv.Itoa(int(p))
}
