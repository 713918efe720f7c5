package scheduler

import (
	"sync/atomic"
)

// UniformSelector は、永続的なカウンタを候補数で割った余りで選択する Selector の実装です。
//
// RoundRobinSelector と異なり、候補の増減に追従せず、位置のみで選択します。
type UniformSelector struct {
	statsRecorder
	counter atomic.Uint64
}

// NewUniformSelector は新しい UniformSelector を作成します。
func NewUniformSelector() *UniformSelector {
	return &UniformSelector{}
}

// Select は次のフローパスを返却します。sizeは無視されます。
func (s *UniformSelector) Select(cands []Candidate, _ int) (FlowpathID, bool) {
	if len(cands) == 0 {
		return 0, false
	}
	idx := (s.counter.Add(1) - 1) % uint64(len(cands))
	id := cands[idx].ID
	s.record(id)
	return id, true
}
