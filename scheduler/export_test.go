package scheduler

import "time"

func (s *FeedbackSelector) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *RTTWeightedSelector) Credits() map[FlowpathID]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make(map[FlowpathID]int64, len(s.credits))
	for k, v := range s.credits {
		res[k] = v
	}
	return res
}
