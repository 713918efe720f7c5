package scheduler

import (
	"context"
	"sync"

	"github.com/aptpod/msocket-go/internal/ch"
)

// Subscriber は、固定先のフローパスIDを通知するイベントの購読者です。
type Subscriber interface {
	Subscribe(ctx context.Context) <-chan FlowpathID
}

// SubscriberFunc は、関数を Subscriber として扱うためのアダプタです。
type SubscriberFunc func(ctx context.Context) <-chan FlowpathID

// Subscribe は Subscriber を実装します。
func (f SubscriberFunc) Subscribe(ctx context.Context) <-chan FlowpathID {
	return f(ctx)
}

// EventSelector は、イベントで通知されたフローパスに固定する Selector の実装です。
//
// 固定先が候補に含まれない場合や、まだイベントを受け取っていない場合はラウンドロビンで選択します。
type EventSelector struct {
	statsRecorder

	subscriber Subscriber
	fallback   *RoundRobinSelector

	mu     sync.RWMutex
	pinned FlowpathID
	hasPin bool
}

// NewEventSelector は新しい EventSelector を作成し、バックグラウンドでイベントの監視を開始します。
//
// 監視はctxがキャンセルされるまで続きます。
func NewEventSelector(ctx context.Context, subscriber Subscriber) *EventSelector {
	s := &EventSelector{
		subscriber: subscriber,
		fallback:   NewRoundRobinSelector(),
	}
	go s.loop(ctx)
	return s
}

// Select は固定先のフローパスを返却します。
func (s *EventSelector) Select(cands []Candidate, size int) (FlowpathID, bool) {
	if len(cands) == 0 {
		return 0, false
	}
	s.mu.RLock()
	pinned, hasPin := s.pinned, s.hasPin
	s.mu.RUnlock()

	if hasPin {
		for _, c := range cands {
			if c.ID == pinned {
				s.record(pinned)
				return pinned, true
			}
		}
	}
	id, ok := s.fallback.Select(cands, size)
	if ok {
		s.record(id)
	}
	return id, ok
}

// Pinned は、現在の固定先を返却します。
func (s *EventSelector) Pinned() (FlowpathID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pinned, s.hasPin
}

func (s *EventSelector) loop(ctx context.Context) {
	for id := range ch.ReadOrDone(ctx, s.subscriber.Subscribe(ctx)) {
		s.mu.Lock()
		s.pinned = id
		s.hasPin = true
		s.mu.Unlock()
	}
}

// NICEventListener は、利用するNICの変更を通知するインターフェースです。
type NICEventListener interface {
	Subscribe() <-chan string
}

// NICEventSubscriber は、NICの変更イベントをフローパスIDに変換する Subscriber です。
type NICEventSubscriber struct {
	NICManager NICEventListener
	// NICFlowpathID は、NIC名とそのNICに束縛されたフローパスの対応です。
	NICFlowpathID map[string]FlowpathID
}

// Subscribe は Subscriber を実装します。
func (n *NICEventSubscriber) Subscribe(ctx context.Context) <-chan FlowpathID {
	resCh := make(chan FlowpathID, 1)
	go func() {
		defer close(resCh)
		for nic := range ch.ReadOrDone(ctx, n.NICManager.Subscribe()) {
			id, ok := n.NICFlowpathID[nic]
			if !ok {
				continue
			}
			ch.WriteOrDone(ctx, id, resCh)
		}
	}()
	return resCh
}
