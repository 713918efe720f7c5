package scheduler

import (
	"fmt"
	"time"
)

// FlowpathID は、論理コネクション内のフローパスの識別子です。
type FlowpathID int32

// Candidate は、送信先として選択可能なフローパスのスナップショットです。
type Candidate struct {
	ID FlowpathID
	// QueueLen は、送信待ちキューに積まれているチャンク数です。
	QueueLen int
	// SentBytes は、このフローパスで送信したバイト数です。
	SentBytes uint64
	// AckedByPeer は、相手がこのフローパスで受信したと報告したバイト数です。
	AckedByPeer uint64
	// Outstanding は、SentBytes - AckedByPeer です。
	Outstanding uint64
	// RTT は、フローパスの往復遅延時間です。計測されていない場合は0です。
	RTT time.Duration
}

// Selector は、候補からチャンクの送信先を1つ選択するインターフェースです。
type Selector interface {
	// Select は、sizeバイトのチャンクの送信先を返却します。候補が空の場合はfalseを返却します。
	Select(cands []Candidate, size int) (FlowpathID, bool)
}

// MultiSelector は、1つのチャンクを複数のフローパスへ送信するセレクタです。
type MultiSelector interface {
	Selector
	SelectAll(cands []Candidate, size int) []FlowpathID
}

// AckObserver は、確認応答を受け取るセレクタです。
type AckObserver interface {
	// InformAck は、フローパスidで受信したDATA_ACK_REPを通知します。
	//
	// ackSeqには選択確認応答のシーケンス番号、recvdBytesには相手がそのフローパスで受信したバイト数を指定します。
	InformAck(id FlowpathID, ackSeq, recvdBytes uint64)
}

// SendObserver は、送信を受け取るセレクタです。
type SendObserver interface {
	// InformSent は、seqから始まるsizeバイトのDATAをフローパスidへ積んだことを通知します。
	InformSent(id FlowpathID, seq uint64, size int)
}

// PathRemover は、フローパスの削除を受け取るセレクタです。
type PathRemover interface {
	RemovePath(id FlowpathID)
}

// Names は、New に指定できるセレクタ名の一覧です。
var Names = []string{"round-robin", "uniform", "outstanding-ratio", "rtt-weighted", "duplicate", "feedback"}

// New は、名前に対応するセレクタを返却します。
//
// maxQueuedChunksは、RTTWeightedSelector がキューが詰まっているとみなすチャンク数です。
func New(name string, maxQueuedChunks int) (Selector, error) {
	switch name {
	case "", "round-robin":
		return NewRoundRobinSelector(), nil
	case "uniform":
		return NewUniformSelector(), nil
	case "outstanding-ratio":
		return NewOutstandingRatioSelector(), nil
	case "rtt-weighted":
		return NewRTTWeightedSelector(maxQueuedChunks), nil
	case "duplicate":
		return NewDuplicateSelector(), nil
	case "feedback":
		return NewFeedbackSelector(), nil
	}
	return nil, fmt.Errorf("unknown selector %q", name)
}
