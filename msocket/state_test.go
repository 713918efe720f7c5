package msocket_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	. "github.com/aptpod/msocket-go/msocket"
	"github.com/aptpod/msocket-go/wire"
)

func TestPhaseState(t *testing.T) {
	t.Run("AllReadyからReadWriteを獲得できる", func(t *testing.T) {
		s := NewPhaseState()
		require.True(t, s.EnterReadWrite(false))
		assert.Equal(t, PhaseReadWrite, s.Current())
		s.Release()
		assert.Equal(t, PhaseAllReady, s.Current())
	})
	t.Run("ReadWriteの保持中は非ブロッキングで失敗する", func(t *testing.T) {
		s := NewPhaseState()
		require.True(t, s.EnterReadWrite(false))
		assert.False(t, s.EnterReadWrite(false))
	})
	t.Run("ブロッキングの場合は解放を待つ", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		s := NewPhaseState()
		require.True(t, s.EnterReadWrite(false))

		got := make(chan bool)
		go func() {
			got <- s.EnterReadWrite(true)
		}()
		select {
		case <-got:
			t.Fatal("must block")
		case <-time.After(50 * time.Millisecond):
		}
		s.Release()
		assert.True(t, <-got)
	})
	t.Run("Closedは吸収状態で待機者を起こす", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		s := NewPhaseState()
		require.True(t, s.EnterReadWrite(false))

		got := make(chan bool)
		go func() {
			got <- s.EnterReadWrite(true)
		}()
		time.Sleep(20 * time.Millisecond)
		s.ForceClosed()
		assert.False(t, <-got)

		s.Release()
		assert.Equal(t, PhaseClosed, s.Current())
		assert.False(t, s.EnterReadWrite(true))
	})
	t.Run("WaitUntil", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		s := NewPhaseState()
		go func() {
			time.Sleep(20 * time.Millisecond)
			s.ForceClosed()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, s.WaitUntil(ctx, PhaseClosed))
	})
	t.Run("WaitUntilはキャンセルできる", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		s := NewPhaseState()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, s.WaitUntil(ctx, PhaseClosed), context.DeadlineExceeded)
	})
}

func TestCloseMachine_Receive(t *testing.T) {
	tests := []struct {
		name     string
		from     ClosePhase
		msg      wire.MessageType
		to       ClosePhase
		sendAck  bool
		closeNow bool
	}{
		{name: "ActiveでFIN", from: ClosePhaseActive, msg: wire.MessageTypeFin, to: ClosePhaseCloseWait, sendAck: true},
		{name: "ActiveでACK", from: ClosePhaseActive, msg: wire.MessageTypeAck, to: ClosePhaseCloseWait, sendAck: true},
		{name: "CloseWaitで重複FIN", from: ClosePhaseCloseWait, msg: wire.MessageTypeFin, to: ClosePhaseCloseWait, sendAck: true},
		{name: "FinWait1でFIN", from: ClosePhaseFinWait1, msg: wire.MessageTypeFin, to: ClosePhaseClosing, sendAck: true},
		{name: "FinWait1でACK_FIN", from: ClosePhaseFinWait1, msg: wire.MessageTypeAckFin, to: ClosePhaseTimeWait, sendAck: true, closeNow: true},
		{name: "FinWait1でACK", from: ClosePhaseFinWait1, msg: wire.MessageTypeAck, to: ClosePhaseFinWait2},
		{name: "FinWait2でFIN", from: ClosePhaseFinWait2, msg: wire.MessageTypeFin, to: ClosePhaseTimeWait, sendAck: true, closeNow: true},
		{name: "ClosingでACK", from: ClosePhaseClosing, msg: wire.MessageTypeAck, to: ClosePhaseTimeWait, closeNow: true},
		{name: "Closingで重複FIN", from: ClosePhaseClosing, msg: wire.MessageTypeFin, to: ClosePhaseClosing, sendAck: true},
		{name: "TimeWaitで重複FIN", from: ClosePhaseTimeWait, msg: wire.MessageTypeFin, to: ClosePhaseTimeWait, sendAck: true},
		{name: "LastAckで重複FIN", from: ClosePhaseLastAck, msg: wire.MessageTypeFin, to: ClosePhaseLastAck, sendAck: true},
		{name: "LastAckでACK", from: ClosePhaseLastAck, msg: wire.MessageTypeAck, to: ClosePhaseClosed, closeNow: true},
		{name: "Closedでは何もしない", from: ClosePhaseClosed, msg: wire.MessageTypeFin, to: ClosePhaseClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewCloseMachine(tt.from)
			got := m.Receive(tt.msg)
			assert.Equal(t, tt.from, got.From)
			assert.Equal(t, tt.to, got.To)
			assert.Equal(t, tt.sendAck, got.SendAck)
			assert.Equal(t, tt.closeNow, got.CloseNow)
			assert.False(t, got.SendFin)
			assert.Equal(t, tt.to, m.Current())
		})
	}
}

func TestCloseMachine_Close(t *testing.T) {
	t.Run("ActiveからFinWait1へ遷移しFINを送信する", func(t *testing.T) {
		m := NewCloseMachine(ClosePhaseActive)
		got := m.Close()
		assert.Equal(t, ClosePhaseFinWait1, got.To)
		assert.True(t, got.SendFin)
	})
	t.Run("CloseWaitからLastAckへ遷移しFINを送信する", func(t *testing.T) {
		m := NewCloseMachine(ClosePhaseCloseWait)
		got := m.Close()
		assert.Equal(t, ClosePhaseLastAck, got.To)
		assert.True(t, got.SendFin)
	})
	t.Run("切断中の再呼び出しは何もしない", func(t *testing.T) {
		m := NewCloseMachine(ClosePhaseFinWait2)
		got := m.Close()
		assert.Equal(t, ClosePhaseFinWait2, got.To)
		assert.False(t, got.SendFin)
	})
	t.Run("相手からのFINでCloseWaitとなり、CloseとACKでClosedとなる", func(t *testing.T) {
		m := NewCloseMachine(ClosePhaseActive)
		got := m.Receive(wire.MessageTypeFin)
		require.Equal(t, ClosePhaseCloseWait, got.To)
		require.True(t, got.SendAck)

		got = m.Close()
		require.Equal(t, ClosePhaseLastAck, got.To)
		require.True(t, got.SendFin)

		got = m.Receive(wire.MessageTypeAck)
		assert.Equal(t, ClosePhaseClosed, got.To)
		assert.True(t, got.CloseNow)
	})
}

func TestAverageConnID(t *testing.T) {
	assert.Equal(t, uint64(15), AverageConnID(10, 20))
	assert.Equal(t, uint64(1<<64-1), AverageConnID(1<<64-1, 1<<64-1))
	assert.Equal(t, uint64(1<<63), AverageConnID(1<<64-1, 1))
	assert.Equal(t, AverageConnID(3, 8), AverageConnID(8, 3))
}
