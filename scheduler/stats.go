package scheduler

import (
	"maps"
	"sync"
	"sync/atomic"
)

// Stats は、セレクタの統計情報を保持します。
type Stats struct {
	// SelectionCounts はフローパスごとの選択回数です。
	SelectionCounts map[FlowpathID]uint64
	// TotalSelections は総選択回数です。
	TotalSelections uint64
	// SwitchCount はフローパスの切り替え回数です。
	SwitchCount uint64
}

type statsRecorder struct {
	totalSelections atomic.Uint64
	switchCount     atomic.Uint64

	mu              sync.Mutex
	hasLast         bool
	lastSelected    FlowpathID
	selectionCounts map[FlowpathID]uint64
}

func (s *statsRecorder) record(id FlowpathID) {
	s.totalSelections.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasLast && s.lastSelected != id {
		s.switchCount.Add(1)
	}
	s.hasLast = true
	s.lastSelected = id
	if s.selectionCounts == nil {
		s.selectionCounts = make(map[FlowpathID]uint64)
	}
	s.selectionCounts[id]++
}

// Stats は、現在の統計情報のスナップショットを返却します。
func (s *statsRecorder) Stats() Stats {
	s.mu.Lock()
	counts := maps.Clone(s.selectionCounts)
	s.mu.Unlock()
	if counts == nil {
		counts = make(map[FlowpathID]uint64)
	}
	return Stats{
		SelectionCounts: counts,
		TotalSelections: s.totalSelections.Load(),
		SwitchCount:     s.switchCount.Load(),
	}
}

// ResetStats は、統計情報をリセットします。
func (s *statsRecorder) ResetStats() {
	s.totalSelections.Store(0)
	s.switchCount.Store(0)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasLast = false
	s.selectionCounts = nil
}
