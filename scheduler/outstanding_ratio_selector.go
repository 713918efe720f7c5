package scheduler

// OutstandingRatioSelector は、Outstanding / AckedByPeer が最小のフローパスを選択する Selector の実装です。
//
// AckedByPeerが0の場合は1として扱います。同じ値の場合は先頭の候補を優先します。
type OutstandingRatioSelector struct {
	statsRecorder
}

// NewOutstandingRatioSelector は新しい OutstandingRatioSelector を作成します。
func NewOutstandingRatioSelector() *OutstandingRatioSelector {
	return &OutstandingRatioSelector{}
}

// Select は比が最小のフローパスを返却します。sizeは無視されます。
func (s *OutstandingRatioSelector) Select(cands []Candidate, _ int) (FlowpathID, bool) {
	if len(cands) == 0 {
		return 0, false
	}
	selected := cands[0].ID
	best := ratio(cands[0])
	for _, c := range cands[1:] {
		if r := ratio(c); r < best {
			best = r
			selected = c.ID
		}
	}
	s.record(selected)
	return selected, true
}

func ratio(c Candidate) float64 {
	acked := c.AckedByPeer
	if acked == 0 {
		acked = 1
	}
	return float64(c.Outstanding) / float64(acked)
}
