package scheduler

// DuplicateSelector は、すべての候補へ同じチャンクを送信する MultiSelector の実装です。
//
// 帯域を消費する代わりに、いずれかのフローパスでの損失に耐えます。
type DuplicateSelector struct {
	statsRecorder
}

// NewDuplicateSelector は新しい DuplicateSelector を作成します。
func NewDuplicateSelector() *DuplicateSelector {
	return &DuplicateSelector{}
}

// Select は先頭の候補を返却します。
func (s *DuplicateSelector) Select(cands []Candidate, _ int) (FlowpathID, bool) {
	if len(cands) == 0 {
		return 0, false
	}
	s.record(cands[0].ID)
	return cands[0].ID, true
}

// SelectAll はすべての候補を返却します。
func (s *DuplicateSelector) SelectAll(cands []Candidate, _ int) []FlowpathID {
	res := make([]FlowpathID, 0, len(cands))
	for _, c := range cands {
		s.record(c.ID)
		res = append(res, c.ID)
	}
	return res
}
