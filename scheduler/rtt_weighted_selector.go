package scheduler

import (
	"math"
	"sort"
	"sync"
	"time"
)

// RTTWeightedSelector は、フローパスごとのクレジット（残りチャンク数）に基づいて選択する Selector の実装です。
//
// すべての候補のクレジットが0になると、クレジットを再計算します。
// 相手の受信済みバイト数の最小値が0より大きい場合は recvd_i / min_recvd、
// そうでない場合は maxRTT / rtt_i を四捨五入した値（最小1）をクレジットとします。
//
// 候補はRTTの昇順に評価され、クレジットが残っていてキューが詰まっていない最初の候補が選択されます。
type RTTWeightedSelector struct {
	statsRecorder

	mu              sync.Mutex
	credits         map[FlowpathID]int64
	recvd           map[FlowpathID]uint64
	maxQueuedChunks int
}

// NewRTTWeightedSelector は新しい RTTWeightedSelector を作成します。
//
// maxQueuedChunksは、キューが詰まっているとみなすチャンク数です。
func NewRTTWeightedSelector(maxQueuedChunks int) *RTTWeightedSelector {
	if maxQueuedChunks <= 0 {
		maxQueuedChunks = 1
	}
	return &RTTWeightedSelector{
		credits:         make(map[FlowpathID]int64),
		recvd:           make(map[FlowpathID]uint64),
		maxQueuedChunks: maxQueuedChunks,
	}
}

// InformAck は AckObserver を実装します。
func (s *RTTWeightedSelector) InformAck(id FlowpathID, _ uint64, recvdBytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if recvdBytes > s.recvd[id] {
		s.recvd[id] = recvdBytes
	}
}

// RemovePath は PathRemover を実装します。
func (s *RTTWeightedSelector) RemovePath(id FlowpathID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credits, id)
	delete(s.recvd, id)
}

// Select はクレジットに基づいてフローパスを返却します。sizeは無視されます。
func (s *RTTWeightedSelector) Select(cands []Candidate, _ int) (FlowpathID, bool) {
	if len(cands) == 0 {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	allZero := true
	for _, c := range cands {
		if s.credits[c.ID] > 0 {
			allZero = false
			break
		}
	}
	if allZero {
		s.recompute(cands)
	}

	sorted := make([]Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		return effectiveRTT(sorted[i].RTT) < effectiveRTT(sorted[j].RTT)
	})

	for _, c := range sorted {
		if c.QueueLen < s.maxQueuedChunks && s.credits[c.ID] > 0 {
			s.credits[c.ID]--
			s.record(c.ID)
			return c.ID, true
		}
	}
	// 見積もりが外れている場合は、空きのあるフローパスで補正する
	for _, c := range sorted {
		if c.QueueLen < s.maxQueuedChunks {
			s.record(c.ID)
			return c.ID, true
		}
	}
	s.record(sorted[0].ID)
	return sorted[0].ID, true
}

func (s *RTTWeightedSelector) recompute(cands []Candidate) {
	var maxRTT time.Duration
	minRecvd := uint64(math.MaxUint64)
	for _, c := range cands {
		if rtt := effectiveRTT(c.RTT); rtt > maxRTT {
			maxRTT = rtt
		}
		if r := s.recvdOf(c); r < minRecvd {
			minRecvd = r
		}
	}
	for _, c := range cands {
		var frac float64
		if minRecvd != 0 {
			frac = float64(s.recvdOf(c)) / float64(minRecvd)
		} else {
			frac = float64(maxRTT) / float64(effectiveRTT(c.RTT))
		}
		credit := int64(math.Round(frac))
		if credit < 1 {
			credit = 1
		}
		s.credits[c.ID] = credit
	}
}

func (s *RTTWeightedSelector) recvdOf(c Candidate) uint64 {
	if r := s.recvd[c.ID]; r > c.AckedByPeer {
		return r
	}
	return c.AckedByPeer
}

func effectiveRTT(rtt time.Duration) time.Duration {
	if rtt <= 0 {
		return time.Microsecond
	}
	return rtt
}
