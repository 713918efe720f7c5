package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	. "github.com/aptpod/msocket-go/scheduler"
)

func TestRTTWeightedSelector(t *testing.T) {
	t.Run("RTTの比でクレジットを配分する", func(t *testing.T) {
		s := NewRTTWeightedSelector(4)
		cs := []Candidate{
			{ID: 0, RTT: 30 * time.Millisecond},
			{ID: 1, RTT: 10 * time.Millisecond},
		}
		counts := map[FlowpathID]int{}
		for i := 0; i < 8; i++ {
			id, ok := s.Select(cs, 1000)
			assert.True(t, ok)
			counts[id]++
		}
		// 1周あたり path1:3, path0:1
		assert.Equal(t, map[FlowpathID]int{0: 2, 1: 6}, counts)
	})

	t.Run("相手の受信量が揃えば受信量の比でクレジットを配分する", func(t *testing.T) {
		s := NewRTTWeightedSelector(4)
		s.InformAck(0, 0, 1000)
		s.InformAck(1, 0, 2000)
		cs := []Candidate{
			{ID: 0, RTT: 10 * time.Millisecond},
			{ID: 1, RTT: 10 * time.Millisecond},
		}
		s.Select(cs, 1000)
		credits := s.Credits()
		assert.Equal(t, int64(1+2-1), credits[0]+credits[1])
	})

	t.Run("キューが詰まっている場合はクレジットを使わない", func(t *testing.T) {
		s := NewRTTWeightedSelector(2)
		cs := []Candidate{
			{ID: 0, RTT: 10 * time.Millisecond, QueueLen: 2},
			{ID: 1, RTT: 50 * time.Millisecond},
		}
		id, _ := s.Select(cs, 1000)
		assert.Equal(t, FlowpathID(1), id)
	})

	t.Run("すべて詰まっている場合はRTT最小", func(t *testing.T) {
		s := NewRTTWeightedSelector(1)
		cs := []Candidate{
			{ID: 0, RTT: 40 * time.Millisecond, QueueLen: 3},
			{ID: 1, RTT: 20 * time.Millisecond, QueueLen: 3},
		}
		id, _ := s.Select(cs, 1000)
		assert.Equal(t, FlowpathID(1), id)
	})

	t.Run("削除したフローパスの状態を破棄する", func(t *testing.T) {
		s := NewRTTWeightedSelector(4)
		s.Select([]Candidate{{ID: 0, RTT: time.Millisecond}}, 1)
		s.RemovePath(0)
		assert.NotContains(t, s.Credits(), FlowpathID(0))
	})
}
