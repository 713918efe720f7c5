package msocket

import (
	"sync"

	"github.com/aptpod/msocket-go/wire"
)

// ClosePhaseは、論理コネクションの切断シーケンスの状態です。
type ClosePhase uint8

const (
	ClosePhaseActive ClosePhase = iota
	ClosePhaseFinWait1
	ClosePhaseFinWait2
	ClosePhaseClosing
	ClosePhaseTimeWait
	ClosePhaseCloseWait
	ClosePhaseLastAck
	ClosePhaseClosed
)

var closePhaseNames = map[ClosePhase]string{
	ClosePhaseActive:    "ACTIVE",
	ClosePhaseFinWait1:  "FIN_WAIT_1",
	ClosePhaseFinWait2:  "FIN_WAIT_2",
	ClosePhaseClosing:   "CLOSING",
	ClosePhaseTimeWait:  "TIME_WAIT",
	ClosePhaseCloseWait: "CLOSE_WAIT",
	ClosePhaseLastAck:   "LAST_ACK",
	ClosePhaseClosed:    "CLOSED",
}

func (p ClosePhase) String() string {
	if s, ok := closePhaseNames[p]; ok {
		return s
	}
	return "UNKNOWN"
}

// closeTransitionは、切断シーケンスの1回の遷移結果です。
type closeTransition struct {
	From, To ClosePhase
	// SendAckは、ACKを返送する必要があることを表します。
	SendAck bool
	// SendFinは、FINを送信する必要があることを表します。
	SendFin bool
	// CloseNowは、内部的にコネクションを閉じる必要があることを表します。
	CloseNow bool
}

type closeMachine struct {
	mu      sync.Mutex
	current ClosePhase
}

func (m *closeMachine) Current() ClosePhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Receiveは、相手からFIN、ACK、ACK_FINのいずれかを受信した時の遷移を行います。
func (m *closeMachine) Receive(tp wire.MessageType) closeTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := closeTransition{From: m.current, To: m.current}
	switch m.current {
	case ClosePhaseActive:
		t.To, t.SendAck = ClosePhaseCloseWait, true
	case ClosePhaseCloseWait:
		t.SendAck = tp == wire.MessageTypeFin
	case ClosePhaseFinWait1:
		switch tp {
		case wire.MessageTypeFin:
			t.To, t.SendAck = ClosePhaseClosing, true
		case wire.MessageTypeAckFin:
			t.To, t.SendAck, t.CloseNow = ClosePhaseTimeWait, true, true
		case wire.MessageTypeAck:
			t.To = ClosePhaseFinWait2
		}
	case ClosePhaseFinWait2:
		if tp == wire.MessageTypeFin {
			t.To, t.SendAck, t.CloseNow = ClosePhaseTimeWait, true, true
		}
	case ClosePhaseClosing:
		switch tp {
		case wire.MessageTypeAck:
			t.To, t.CloseNow = ClosePhaseTimeWait, true
		case wire.MessageTypeFin:
			t.SendAck = true
		}
	case ClosePhaseTimeWait:
		t.SendAck = tp == wire.MessageTypeFin
	case ClosePhaseLastAck:
		switch tp {
		case wire.MessageTypeAck:
			t.To, t.CloseNow = ClosePhaseClosed, true
		case wire.MessageTypeFin:
			t.SendAck = true
		}
	}
	m.current = t.To
	return t
}

// Closeは、アプリケーションがCloseを呼び出した時の遷移を行います。
func (m *closeMachine) Close() closeTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := closeTransition{From: m.current, To: m.current}
	switch m.current {
	case ClosePhaseActive:
		t.To, t.SendFin = ClosePhaseFinWait1, true
	case ClosePhaseCloseWait:
		t.To, t.SendFin = ClosePhaseLastAck, true
	}
	m.current = t.To
	return t
}

// ForceClosedは、無条件にClosedへ遷移させます。
func (m *closeMachine) ForceClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = ClosePhaseClosed
}
