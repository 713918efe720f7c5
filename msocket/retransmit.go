package msocket

import (
	"sync"
	"sync/atomic"
	"time"
)

// retransmitterは、送信済みで確認応答されていない範囲を、送信が完了したフローパスで再送します。
//
// 同時に実行される再送処理は高々1つです。
type retransmitter struct {
	c       *Conn
	running atomic.Bool

	mu      sync.Mutex
	lastEnd uint64
}

func newRetransmitter(c *Conn) *retransmitter {
	return &retransmitter{c: c}
}

// triggerは、再送処理が実行されていなければ開始します。
func (r *retransmitter) trigger() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	if !r.c.spawn(r.run) {
		r.running.Store(false)
	}
}

func (r *retransmitter) run() {
	defer r.running.Store(false)
	c := r.c
	for {
		base, send := c.sendBuf.Unacked()
		if base >= send || c.isClosed() {
			return
		}
		finished, ok := r.waitFinished()
		if !ok {
			return
		}

		cursor := max(r.lastRetransmitEnd(), base)
		rng, ok := r.nextRange(finished, cursor)
		if !ok {
			return
		}
		start, data := c.extract(rng.start, rng.end)
		if len(data) == 0 {
			r.setLastRetransmitEnd(rng.end)
			continue
		}
		if !r.send(finished, start, data) {
			// 再送先が使えなくなったため、再送先を選び直す
			continue
		}
		r.setLastRetransmitEnd(rng.end)
		c.metrics.addRetransmitted(len(data))
		c.logger.Debugf(finished.ctx, "Retransmitted [%d, %d) on flowpath %d", start, rng.end, finished.id)
	}
}

func (r *retransmitter) lastRetransmitEnd() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastEnd
}

func (r *retransmitter) setLastRetransmitEnd(v uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v > r.lastEnd {
		r.lastEnd = v
	}
}

// waitFinishedは、送信が完了したフローパスが現れるまで待機します。
//
// 完了したフローパスが複数ある場合は、未確認のバイト数が最も少ないものを返却します。
func (r *retransmitter) waitFinished() (*flowpath, bool) {
	c := r.c
	for {
		w := c.acked.wait()
		if fp, ok := r.finishedPath(); ok {
			return fp, true
		}
		base, send := c.sendBuf.Unacked()
		if base >= send {
			return nil, false
		}
		t := time.NewTimer(pathPollInterval)
		select {
		case <-w:
		case <-t.C:
		case <-c.closedCh:
			t.Stop()
			return nil, false
		}
		t.Stop()
	}
}

func (r *retransmitter) finishedPath() (*flowpath, bool) {
	threshold := r.c.config.finishedThreshold()
	var (
		res  *flowpath
		best uint64
	)
	for _, fp := range r.c.flowpathList() {
		fp.mu.Lock()
		usable := fp.active && !fp.closing && !fp.needsAckRequest
		out := fp.outstandingWithoutLock()
		fp.mu.Unlock()
		if !usable || out > threshold {
			continue
		}
		if res == nil || out < best {
			res, best = fp, out
		}
	}
	return res, res != nil
}

// nextRangeは、finished以外のフローパスの送信範囲のうち、終端がcursorより後ろで開始位置が最も小さいものを返却します。
func (r *retransmitter) nextRange(finished *flowpath, cursor uint64) (byteRange, bool) {
	var (
		res   byteRange
		found bool
	)
	for _, fp := range r.c.flowpathList() {
		if fp == finished {
			continue
		}
		fp.mu.Lock()
		for _, rng := range fp.ranges {
			if rng.end <= cursor {
				continue
			}
			if !found || rng.start < res.start {
				res, found = rng, true
			}
		}
		fp.mu.Unlock()
	}
	if found && res.start < cursor {
		res.start = cursor
	}
	return res, found
}

// sendは、再送するDATAをフローパスへ積みます。キューが一杯の場合は空くまで待機します。
func (r *retransmitter) send(fp *flowpath, seq uint64, data []byte) bool {
	c := r.c
	for {
		w := c.pathChanged.wait()
		ack := c.ackSeq()
		fp.mu.Lock()
		if !fp.active || fp.closing || fp.needsAckRequest {
			fp.mu.Unlock()
			return false
		}
		if len(fp.queue) < c.config.MaxQueuedChunks {
			c.enqueueDataWithoutLock(fp, seq, data, ack)
			fp.mu.Unlock()
			return true
		}
		fp.mu.Unlock()

		t := time.NewTimer(pathPollInterval)
		select {
		case <-w:
		case <-t.C:
		case <-c.closedCh:
			t.Stop()
			return false
		}
		t.Stop()
	}
}
