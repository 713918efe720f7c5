package scheduler

import (
	"sync"
	"time"
)

const (
	feedbackAlpha     = 0.125
	maxPendingPerPath = 4096
)

type sentRecord struct {
	seq    uint64
	sentAt time.Time
}

type feedbackPath struct {
	pending []sentRecord
	ewma    time.Duration
	sampled bool
}

// FeedbackSelector は、確認応答の遅延を観測して選択する Selector の実装です。
//
// InformSent で送信時刻を記録し、InformAck で選択確認応答のシーケンス番号と照合して
// フローパスごとの遅延の指数移動平均を更新します。
// Select は ewma × (1 + QueueLen) が最小の候補を選択し、未計測の候補を優先します。
type FeedbackSelector struct {
	statsRecorder

	mu    sync.Mutex
	paths map[FlowpathID]*feedbackPath
	now   func() time.Time
}

// NewFeedbackSelector は新しい FeedbackSelector を作成します。
func NewFeedbackSelector() *FeedbackSelector {
	return &FeedbackSelector{
		paths: make(map[FlowpathID]*feedbackPath),
		now:   time.Now,
	}
}

// InformSent は SendObserver を実装します。
func (s *FeedbackSelector) InformSent(id FlowpathID, seq uint64, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path(id)
	if len(p.pending) >= maxPendingPerPath {
		p.pending = p.pending[1:]
	}
	p.pending = append(p.pending, sentRecord{seq: seq, sentAt: s.now()})
}

// InformAck は AckObserver を実装します。
func (s *FeedbackSelector) InformAck(id FlowpathID, ackSeq, _ uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.paths[id]
	if !ok {
		return
	}
	var i int
	for ; i < len(p.pending); i++ {
		rec := p.pending[i]
		if rec.seq > ackSeq {
			break
		}
		if rec.seq != ackSeq {
			continue
		}
		sample := s.now().Sub(rec.sentAt)
		if !p.sampled {
			p.ewma = sample
			p.sampled = true
		} else {
			p.ewma = time.Duration((1-feedbackAlpha)*float64(p.ewma) + feedbackAlpha*float64(sample))
		}
	}
	p.pending = p.pending[i:]
}

// RemovePath は PathRemover を実装します。
func (s *FeedbackSelector) RemovePath(id FlowpathID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paths, id)
}

// Select は遅延の見積もりが最小のフローパスを返却します。sizeは無視されます。
func (s *FeedbackSelector) Select(cands []Candidate, _ int) (FlowpathID, bool) {
	if len(cands) == 0 {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		selected FlowpathID
		best     float64
		found    bool
	)
	for _, c := range cands {
		p := s.path(c.ID)
		if !p.sampled {
			selected = c.ID
			found = true
			break
		}
		score := float64(p.ewma) * float64(1+c.QueueLen)
		if !found || score < best {
			selected = c.ID
			best = score
			found = true
		}
	}
	s.record(selected)
	return selected, true
}

// Latency は、フローパスidの遅延の見積もりを返却します。未計測の場合はfalseを返却します。
func (s *FeedbackSelector) Latency(id FlowpathID) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.paths[id]
	if !ok || !p.sampled {
		return 0, false
	}
	return p.ewma, true
}

func (s *FeedbackSelector) path(id FlowpathID) *feedbackPath {
	p, ok := s.paths[id]
	if !ok {
		p = &feedbackPath{}
		s.paths[id] = p
	}
	return p
}
