package msocket

import (
	"time"

	"github.com/aptpod/msocket-go/errors"
	"github.com/aptpod/msocket-go/scheduler"
	"github.com/aptpod/msocket-go/transport"
	"github.com/aptpod/msocket-go/wire"
)

const (
	// writeSliceは、1回の書き込みに設定する期限です。
	writeSlice = 200 * time.Millisecond
	// pathPollIntervalは、フローパスの状態変化を待つ際の最大待機時間です。
	pathPollInterval = 100 * time.Millisecond
)

type enqueueResult uint8

const (
	enqueued enqueueResult = iota
	enqueueRejected
	enqueueNeedsResend
)

// runWriterは、フローパスの送信キューをチャネルへ書き出します。
func (c *Conn) runWriter(fp *flowpath, g generation) {
	for {
		if err := c.flush(fp, g); err != nil {
			c.flowpathFailed(fp, g.gen, &errors.FlowpathError{FlowpathID: int32(fp.id), Op: "write", Err: err})
			return
		}
		select {
		case <-g.done:
			return
		case <-c.closedCh:
			return
		case <-g.wake:
		}
	}
}

// flushは、送信キューが空になるまで書き込みます。
//
// 書き込みは短い期限で行い、途中まで書き込めた場合は partialOffset を進めます。
// フレームは全体の書き込みが完了した時点でキューから取り除きます。
func (c *Conn) flush(fp *flowpath, g generation) error {
	for {
		select {
		case <-g.done:
			return nil
		case <-c.closedCh:
			return nil
		default:
		}

		fp.mu.Lock()
		if fp.gen != g.gen || !fp.active {
			fp.mu.Unlock()
			return nil
		}
		if len(fp.queue) == 0 {
			fp.mu.Unlock()
			c.pathChanged.broadcast()
			return nil
		}
		head := fp.queue[0]
		off := fp.partialOffset
		if off == 0 && head.typ == wire.MessageTypeData {
			// 積んだ時点より新しい確認応答を載せる
			wire.PutAckSeq(head.bs, uint32(c.ackSeq()))
		}
		fp.inFlight = true
		fp.mu.Unlock()

		_ = g.ch.SetWriteDeadline(transport.Now().Add(writeSlice))
		n, err := g.ch.Write(head.bs[off:])

		fp.mu.Lock()
		if fp.gen != g.gen {
			fp.mu.Unlock()
			return nil
		}
		fp.inFlight = false
		// 書き込み中にキューが破棄された場合
		if !fp.active || len(fp.queue) == 0 || !sameFrame(fp.queue[0], head) {
			fp.mu.Unlock()
			return nil
		}
		fp.partialOffset += n
		done := fp.partialOffset >= len(head.bs)
		if done {
			fp.queue[0] = frame{}
			fp.queue = fp.queue[1:]
			fp.partialOffset = 0
		}
		queued := len(fp.queue)
		fp.mu.Unlock()

		if done {
			if head.afterWrite != nil {
				head.afterWrite()
			}
			if queued < c.config.MaxQueuedChunks {
				c.pathChanged.broadcast()
			}
		}
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			return err
		}
	}
}

func sameFrame(a, b frame) bool {
	return len(a.bs) == len(b.bs) && &a.bs[0] == &b.bs[0]
}

// candidatesは、送信先として選択可能なフローパスをID順に返却します。
func (c *Conn) candidates() ([]scheduler.Candidate, map[FlowpathID]*flowpath) {
	paths := c.flowpathList()
	cands := make([]scheduler.Candidate, 0, len(paths))
	m := make(map[FlowpathID]*flowpath, len(paths))
	for _, fp := range paths {
		fp.mu.Lock()
		if fp.active && !fp.closing {
			cands = append(cands, fp.candidateWithoutLock())
			m[fp.id] = fp
		}
		fp.mu.Unlock()
	}
	return cands, m
}

// sendChunkは、seqから始まるチャンクをセレクタが選択したフローパスへ積みます。
func (c *Conn) sendChunk(seq uint64, data []byte) error {
	for {
		w := c.pathChanged.wait()
		if c.phase.IsClosed() {
			return c.closedError()
		}

		cands, paths := c.candidates()
		var sent, retry bool
		if len(cands) > 0 && !allQueuesFull(cands, c.config.MaxQueuedChunks) {
			for _, id := range c.selectPaths(cands, len(data)) {
				fp, ok := paths[id]
				if !ok {
					continue
				}
				switch c.enqueueData(fp, seq, data) {
				case enqueued:
					sent = true
					if o, ok := c.selector.(scheduler.SendObserver); ok {
						o.InformSent(id, seq, len(data))
					}
				case enqueueNeedsResend:
					c.resendUnacked(fp, seq)
					retry = true
				}
			}
		}
		if sent {
			return nil
		}
		if retry {
			continue
		}

		t := time.NewTimer(pathPollInterval)
		select {
		case <-w:
		case <-t.C:
		case <-c.closedCh:
		}
		t.Stop()
	}
}

func (c *Conn) selectPaths(cands []scheduler.Candidate, size int) []FlowpathID {
	if ms, ok := c.selector.(scheduler.MultiSelector); ok {
		return ms.SelectAll(cands, size)
	}
	id, ok := c.selector.Select(cands, size)
	if !ok {
		return nil
	}
	return []FlowpathID{id}
}

func allQueuesFull(cands []scheduler.Candidate, limit int) bool {
	for _, cand := range cands {
		if cand.QueueLen < limit {
			return false
		}
	}
	return true
}

// enqueueDataは、DATAフレームをフローパスの送信キューへ積みます。
func (c *Conn) enqueueData(fp *flowpath, seq uint64, data []byte) enqueueResult {
	ack := c.ackSeq()
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if !fp.active || fp.closing {
		return enqueueRejected
	}
	if fp.needsAckRequest {
		return enqueueNeedsResend
	}
	if len(fp.queue) >= c.config.MaxQueuedChunks {
		return enqueueRejected
	}
	c.enqueueDataWithoutLock(fp, seq, data, ack)
	return enqueued
}

func (c *Conn) enqueueDataWithoutLock(fp *flowpath, seq uint64, data []byte, ack uint64) {
	m := &wire.DataMessage{
		Type:       wire.MessageTypeData,
		SendSeq:    uint32(seq),
		AckSeq:     uint32(ack),
		RecvdBytes: fp.recvdBytes,
		Payload:    data,
	}
	fp.enqueueWithoutLock(frame{typ: m.Type, bs: mustMarshal(m)})
	fp.ranges = append(fp.ranges, byteRange{start: seq, end: seq + uint64(len(data))})
	fp.sentBytes += uint64(len(data))
}

// resendUnackedは、確認応答要求に続けて [base, upTo) をチャンクに分けてフローパスへ積みます。
//
// needsAckRequest が設定されている場合のみ実行し、フラグを解除します。
// 再送したバイト数を返却します。
func (c *Conn) resendUnacked(fp *flowpath, upTo uint64) int {
	ack := c.ackSeq()
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if !fp.active || !fp.needsAckRequest {
		return 0
	}
	fp.needsAckRequest = false

	base := c.sendBuf.BaseSeq()
	req := &wire.DataMessage{
		Type:       wire.MessageTypeDataAckReq,
		SendSeq:    uint32(base),
		AckSeq:     uint32(ack),
		RecvdBytes: fp.recvdBytes,
	}
	fp.enqueueWithoutLock(frame{typ: req.Type, bs: mustMarshal(req)})

	var total int
	chunk := uint64(c.config.ChunkSize)
	for s := base; s < upTo; s += chunk {
		e := min(s+chunk, upTo)
		start, data := c.extract(s, e)
		if len(data) == 0 {
			continue
		}
		c.enqueueDataWithoutLock(fp, start, data, ack)
		total += len(data)
	}
	if total > 0 {
		c.logger.Debugf(fp.ctx, "Resent %d unacked bytes from %d on flowpath %d", total, base, fp.id)
		c.metrics.addRetransmitted(total)
	}
	return total
}

// extractは、SendBufferから[start, end)を取り出し、実際の開始位置と共に返却します。
//
// 確認応答によりstartより先まで解放されている場合、開始位置は後ろへずれます。
func (c *Conn) extract(start, end uint64) (uint64, []byte) {
	data := c.sendBuf.Extract(start, end)
	return end - uint64(len(data)), data
}

// sendControlは、データを伴わないメッセージをフローパスの送信キューへ積みます。
func (c *Conn) sendControl(fp *flowpath, tp wire.MessageType, length uint32, recvd *uint64, afterWrite func()) bool {
	ack := c.ackSeq()
	send := c.sendBuf.SendSeq()
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if !fp.active {
		return false
	}
	m := &wire.DataMessage{
		Type:    tp,
		SendSeq: uint32(send),
		AckSeq:  uint32(ack),
		Length:  length,
	}
	if recvd != nil {
		m.RecvdBytes = *recvd
	} else {
		m.RecvdBytes = fp.recvdBytes
	}
	fp.enqueueWithoutLock(frame{typ: tp, bs: mustMarshal(m), afterWrite: afterWrite})
	return true
}

// sendControlAnyは、最初のアクティブなフローパスでメッセージを送信します。
func (c *Conn) sendControlAny(tp wire.MessageType, afterWrite func()) bool {
	for _, fp := range c.flowpathList() {
		if c.sendControl(fp, tp, 0, nil, afterWrite) {
			return true
		}
	}
	c.logger.Warnf(c.ctx, "No active flowpath to send %s", tp)
	return false
}

func mustMarshal(m *wire.DataMessage) []byte {
	bs, err := m.MarshalBinary()
	if err != nil {
		// ペイロード長はChunkSizeの検証で保証されている
		panic(err)
	}
	return bs
}
