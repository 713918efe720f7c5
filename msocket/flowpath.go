package msocket

import (
	"context"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aptpod/msocket-go/log"
	"github.com/aptpod/msocket-go/scheduler"
	"github.com/aptpod/msocket-go/transport"
	"github.com/aptpod/msocket-go/transport/metrics"
	"github.com/aptpod/msocket-go/wire"
)

// FlowpathIDは、論理コネクション内のフローパスの識別子です。
type FlowpathID = scheduler.FlowpathID

// FlowpathInfoは、フローパスの状態のスナップショットです。
type FlowpathInfo struct {
	ID      FlowpathID
	Active  bool
	Closing bool
	// LocalAddrとRemoteAddrは、現在のチャネルのアドレスです。
	LocalAddr  net.Addr
	RemoteAddr net.Addr
	// SentBytesは、このフローパスの現在のチャネルで送信したペイロードのバイト数です。
	SentBytes uint64
	// RecvdBytesは、このフローパスの現在のチャネルで受信したペイロードのバイト数です。
	RecvdBytes uint64
	// AckedByPeerは、相手がこのフローパスで受信したと報告したバイト数です。
	AckedByPeer uint64
	QueueLen    int
	RTT         time.Duration
	// Generationは、マイグレーションでチャネルが付け替えられた回数です。
	Generation uint64
}

// Outstandingは、送信済みで相手の受信が報告されていないバイト数です。
func (i FlowpathInfo) Outstanding() uint64 {
	return saturatingSub(i.SentBytes, i.AckedByPeer)
}

type byteRange struct {
	start, end uint64
}

// frameは、送信キューに積まれるエンコード済みのメッセージです。
type frame struct {
	typ wire.MessageType
	bs  []byte
	// afterWriteは、フレーム全体の書き込みが完了した後に呼び出されます。
	afterWrite func()
}

type flowpath struct {
	id  FlowpathID
	ctx context.Context

	mu              sync.Mutex
	ch              transport.Channel
	gen             uint64
	genDone         chan struct{}
	active          bool
	closing         bool
	closeSent       bool
	closeAcksSeen   int
	needsAckRequest bool
	queue           []frame
	partialOffset   int
	// inFlightは、キューの先頭を書き込み中であることを示します。
	inFlight        bool
	ranges          []byteRange
	sentBytes       uint64
	recvdBytes      uint64
	ackedByPeer     uint64
	dupAcks         int
	lastKeepAlive   time.Time
	rtt             time.Duration
	provider        metrics.MetricsProvider

	wake      chan struct{}
	migrating atomic.Bool
}

func newFlowpath(ctx context.Context, id FlowpathID, rtt time.Duration) *flowpath {
	return &flowpath{
		id:  id,
		ctx: log.WithTrackFlowpathID(ctx, int32(id)),
		rtt: rtt,
	}
}

// swapは、チャネルを付け替え、新しい世代を返却します。
//
// 古いチャネルは閉じられ、送信キューのうちDATAとキープアライブは破棄されます。
// マイグレーションの場合はneedsAckRequestをtrueにし、未確認のデータを再送で補います。
func (fp *flowpath) swap(ch transport.Channel, rtt time.Duration, needsAckRequest bool) (g generation, wasActive bool) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	wasActive = fp.active
	fp.active = false
	fp.stopWithoutLock()

	kept := fp.queue[:0]
	for i, f := range fp.queue {
		// 書き込み途中のフレームは新しいチャネルでは意味を持たない
		if i == 0 && fp.partialOffset > 0 {
			continue
		}
		if f.typ.IsClose() || f.typ == wire.MessageTypeCloseFlowpath {
			kept = append(kept, f)
		}
	}
	fp.queue = kept
	fp.partialOffset = 0
	fp.inFlight = false
	fp.ranges = nil
	fp.sentBytes, fp.recvdBytes, fp.ackedByPeer = 0, 0, 0
	fp.dupAcks = 0

	fp.ch = ch
	fp.gen++
	fp.genDone = make(chan struct{})
	fp.wake = make(chan struct{}, 1)
	fp.active = true
	fp.needsAckRequest = needsAckRequest
	fp.lastKeepAlive = transport.Now()
	if rtt > 0 {
		fp.rtt = rtt
	}
	fp.provider = nil
	if ms, ok := ch.(transport.MetricsSupporter); ok {
		fp.provider = ms.MetricsProvider()
	}
	fp.wakeup()
	return generation{gen: fp.gen, ch: ch, done: fp.genDone, wake: fp.wake}, wasActive
}

// generationは、チャネルの1つの世代です。読み書きループは世代ごとに起動します。
type generation struct {
	gen  uint64
	ch   transport.Channel
	done <-chan struct{}
	wake <-chan struct{}
}

// markInactiveは、世代genのチャネルが失敗したことを記録します。
//
// 既に別の世代に付け替えられている場合や非アクティブの場合はfalseを返却します。
func (fp *flowpath) markInactive(gen uint64) bool {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.gen != gen || !fp.active {
		return false
	}
	fp.active = false
	fp.needsAckRequest = true
	fp.stopWithoutLock()
	return true
}

// stopWithoutLockは、現在のチャネルを閉じ、読み書きループへ終了を通知します。
func (fp *flowpath) stopWithoutLock() {
	if fp.genDone != nil {
		close(fp.genDone)
		fp.genDone = nil
	}
	if fp.ch != nil {
		fp.ch.Close()
	}
}

func (fp *flowpath) wakeup() {
	select {
	case fp.wake <- struct{}{}:
	default:
	}
}

// touchは、世代genのチャネルから受信したことを記録します。
func (fp *flowpath) touch(gen uint64) bool {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.gen != gen {
		return false
	}
	fp.lastKeepAlive = transport.Now()
	return true
}

func (fp *flowpath) addRecvd(gen uint64, n uint64) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.gen == gen {
		fp.recvdBytes += n
	}
}

// hasPendingDataは、まだ書き込みを始めていないDATAが送信キューにあるかどうかを返却します。
//
// そのようなDATAは書き込み時に最新の確認応答を載せるため、DATA_ACK_REPを省略できます。
func (fp *flowpath) hasPendingData() bool {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	for i, f := range fp.queue {
		if i == 0 && (fp.inFlight || fp.partialOffset > 0) {
			continue
		}
		if f.typ == wire.MessageTypeData {
			return true
		}
	}
	return false
}

func (fp *flowpath) currentRTT() time.Duration {
	if fp.provider != nil {
		return fp.provider.RTT()
	}
	return fp.rtt
}

func (fp *flowpath) candidateWithoutLock() scheduler.Candidate {
	return scheduler.Candidate{
		ID:          fp.id,
		QueueLen:    len(fp.queue),
		SentBytes:   fp.sentBytes,
		AckedByPeer: fp.ackedByPeer,
		Outstanding: saturatingSub(fp.sentBytes, fp.ackedByPeer),
		RTT:         fp.currentRTT(),
	}
}

func (fp *flowpath) outstandingWithoutLock() uint64 {
	return saturatingSub(fp.sentBytes, fp.ackedByPeer)
}

func (fp *flowpath) info() FlowpathInfo {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	res := FlowpathInfo{
		ID:          fp.id,
		Active:      fp.active,
		Closing:     fp.closing,
		SentBytes:   fp.sentBytes,
		RecvdBytes:  fp.recvdBytes,
		AckedByPeer: fp.ackedByPeer,
		QueueLen:    len(fp.queue),
		RTT:         fp.currentRTT(),
		Generation:  fp.gen,
	}
	if fp.ch != nil {
		res.LocalAddr = fp.ch.LocalAddr()
		res.RemoteAddr = fp.ch.RemoteAddr()
	}
	return res
}

// pruneRangesWithoutLockは、先頭から連続する、baseより手前で完結している送信範囲を削除します。
//
// 再送した範囲は順序が前後するため途中に残ることがありますが、先頭に来た時点で削除されます。
func (fp *flowpath) pruneRangesWithoutLock(base uint64) {
	i := 0
	for ; i < len(fp.ranges); i++ {
		if fp.ranges[i].end > base {
			break
		}
	}
	if i > 0 {
		fp.ranges = slices.Delete(fp.ranges, 0, i)
	}
}

// enqueueWithoutLockは、フレームを送信キューへ積み、ライターを起こします。
func (fp *flowpath) enqueueWithoutLock(f frame) {
	fp.queue = append(fp.queue, f)
	fp.wakeup()
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
