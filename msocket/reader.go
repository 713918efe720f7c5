package msocket

import (
	"io"

	"github.com/aptpod/msocket-go/errors"
	"github.com/aptpod/msocket-go/internal/xio"
	"github.com/aptpod/msocket-go/scheduler"
	"github.com/aptpod/msocket-go/wire"
)

// readPieceSizeは、DATAのペイロードを読み出す単位です。
const readPieceSize = 16 * 1024

// runReaderは、フローパスのチャネルからメッセージを読み出して処理します。
func (c *Conn) runReader(fp *flowpath, g generation) {
	buf := make([]byte, readPieceSize)
	rd := xio.NewCaptureReader(g.ch)
	defer func() {
		c.logger.Debugf(fp.ctx, "Reader of generation %d stopped after %d bytes", g.gen, rd.ReadBytes())
	}()
	for {
		h, err := wire.ReadDataHeader(rd)
		if err != nil {
			c.flowpathFailed(fp, g.gen, &errors.FlowpathError{FlowpathID: int32(fp.id), Op: "read", Err: err})
			return
		}
		if !fp.touch(g.gen) {
			return
		}
		if h.Type != wire.MessageTypeDataAckRep {
			c.applyAck(h.AckSeq)
		}

		switch h.Type {
		case wire.MessageTypeData:
			if err := c.readData(fp, g, rd, h, buf); err != nil {
				c.flowpathFailed(fp, g.gen, &errors.FlowpathError{FlowpathID: int32(fp.id), Op: "read", Err: err})
				return
			}
		case wire.MessageTypeDataAckReq:
			c.sendAckRep(fp, h.SendSeq)
		case wire.MessageTypeDataAckRep:
			c.handleAckRep(fp, h)
		case wire.MessageTypeKeepAlive:
		case wire.MessageTypeCloseFlowpath:
			c.handleCloseFlowpath(fp)
		case wire.MessageTypeFin, wire.MessageTypeAck, wire.MessageTypeAckFin:
			c.handleCloseMessage(fp, h.Type)
		}
	}
}

// readDataは、DATAのペイロードを読み出して受信バッファへ渡します。
func (c *Conn) readData(fp *flowpath, g generation, rd io.Reader, h *wire.DataMessage, buf []byte) error {
	seq := wire.ExtendSeq(c.ackSeq(), h.SendSeq)
	remaining := int(h.Length)
	for remaining > 0 {
		n := min(remaining, len(buf))
		if _, err := io.ReadFull(rd, buf[:n]); err != nil {
			return err
		}
		c.deliver(seq, buf[:n])
		seq += uint64(n)
		remaining -= n
	}
	fp.addRecvd(g.gen, uint64(h.Length))

	// 未送信のDATAがある場合は、そのDATAに載せる確認応答で代用する
	if !fp.hasPendingData() {
		c.sendAckRep(fp, h.SendSeq)
	}
	return nil
}

// deliverは、受信したバイト列を待機中のReadへ直接渡すか、受信バッファへ挿入します。
func (c *Conn) deliver(seq uint64, data []byte) {
	if !c.phase.EnterReadWrite(true) {
		return
	}
	defer c.phase.Release()

	c.recvMu.Lock()
	var notify bool
	if p := c.parked; p != nil && p.n == 0 && c.recvBuf.IsInOrder(seq, len(data)) {
		p.n = c.recvBuf.CopyInOrder(p.dst, seq, data)
		notify = true
	} else {
		c.recvBuf.Insert(seq, data)
		notify = c.recvBuf.Readable() > 0
	}
	c.recvMu.Unlock()
	if notify {
		c.readable.broadcast()
	}
}

// sendAckRepは、DATA_ACK_REPを送信します。lengthには選択確認応答のシーケンス番号を指定します。
func (c *Conn) sendAckRep(fp *flowpath, selective uint32) {
	c.sendControl(fp, wire.MessageTypeDataAckRep, selective, nil, nil)
}

// handleAckRepは、DATA_ACK_REPを処理します。
func (c *Conn) handleAckRep(fp *flowpath, h *wire.DataMessage) {
	base, send := c.sendBuf.Unacked()
	ack := wire.ExtendSeq(base, h.AckSeq)
	if ack > send {
		c.logger.Debugf(fp.ctx, "Ignored DATA_ACK_REP %d beyond send seq %d", ack, send)
		return
	}
	advanced := c.sendBuf.Ack(ack)
	if advanced {
		c.acked.broadcast()
		base = ack
	}

	fp.mu.Lock()
	if advanced {
		fp.dupAcks = 0
	} else {
		fp.dupAcks++
	}
	dup := fp.dupAcks >= c.config.MaxDupAck
	if dup {
		fp.dupAcks = 0
	}
	if h.RecvdBytes > fp.ackedByPeer {
		fp.ackedByPeer = h.RecvdBytes
	}
	fp.pruneRangesWithoutLock(base)
	fp.mu.Unlock()

	if !advanced {
		c.metrics.incDupAcks()
	}
	if o, ok := c.selector.(scheduler.AckObserver); ok {
		o.InformAck(fp.id, wire.ExtendSeq(base, h.Length), h.RecvdBytes)
	}
	c.pathChanged.broadcast()
	if dup {
		c.logger.Debugf(fp.ctx, "Duplicate acks reached %d on flowpath %d", c.config.MaxDupAck, fp.id)
		c.retransmitter.trigger()
	}
}

// handleCloseFlowpathは、相手からのCLOSE_FLOWPATHを処理します。
//
// 自分がまだ送信していない場合は応答し、書き込み完了後にフローパスを削除します。
func (c *Conn) handleCloseFlowpath(fp *flowpath) {
	fp.mu.Lock()
	fp.closing = true
	fp.closeAcksSeen++
	seen := uint64(fp.closeAcksSeen)
	reply := !fp.closeSent
	fp.closeSent = true
	fp.mu.Unlock()
	c.pathChanged.broadcast()

	if !reply {
		c.removeFlowpath(fp)
		return
	}
	if !c.sendControl(fp, wire.MessageTypeCloseFlowpath, 0, &seen, func() { c.removeFlowpath(fp) }) {
		c.removeFlowpath(fp)
	}
}

// handleCloseMessageは、FIN、ACK、ACK_FINを切断シーケンスへ渡します。
func (c *Conn) handleCloseMessage(fp *flowpath, tp wire.MessageType) {
	if tp == wire.MessageTypeFin || tp == wire.MessageTypeAckFin {
		c.peerFin.Store(true)
		c.readable.broadcast()
	}
	t := c.closer.Receive(tp)
	c.logger.Debugf(fp.ctx, "Received %s: %s -> %s", tp, t.From, t.To)

	var after func()
	if t.CloseNow {
		after = func() { c.closeInternal(nil) }
	}
	if t.SendAck {
		if !c.sendControl(fp, wire.MessageTypeAck, 0, nil, after) && !c.sendControlAny(wire.MessageTypeAck, after) {
			if t.CloseNow {
				c.closeInternal(nil)
			}
		}
		return
	}
	if t.CloseNow {
		c.closeInternal(nil)
	}
}
