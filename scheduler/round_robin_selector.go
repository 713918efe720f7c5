package scheduler

import (
	"sync"
)

// RoundRobinSelector は、フローパスを順番に選択する Selector の実装です。
//
// 直前に選択したIDより大きいIDを持つ最初の候補を選択し、存在しない場合は先頭に戻ります。
// 候補の増減があっても、各フローパスへ1チャンクずつ割り当てます。
type RoundRobinSelector struct {
	statsRecorder

	mu      sync.Mutex
	started bool
	last    FlowpathID
}

// NewRoundRobinSelector は新しい RoundRobinSelector を作成します。
func NewRoundRobinSelector() *RoundRobinSelector {
	return &RoundRobinSelector{}
}

// Select は次のフローパスを返却します。sizeは無視されます。
func (s *RoundRobinSelector) Select(cands []Candidate, _ int) (FlowpathID, bool) {
	if len(cands) == 0 {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	selected := cands[0].ID
	if s.started {
		for _, c := range cands {
			if c.ID > s.last {
				selected = c.ID
				break
			}
		}
	}
	s.started = true
	s.last = selected
	s.record(selected)
	return selected, true
}
