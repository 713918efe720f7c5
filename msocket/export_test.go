package msocket

import (
	"github.com/aptpod/msocket-go/transport"
	"github.com/aptpod/msocket-go/wire"
)

type (
	Phase           = phase
	CloseTransition = closeTransition
)

const (
	PhaseAllReady  = phaseAllReady
	PhaseReadWrite = phaseReadWrite
	PhaseClosed    = phaseClosed
)

type PhaseState struct{ *phaseState }

func NewPhaseState() PhaseState { return PhaseState{newPhaseState()} }

type CloseMachine struct{ m *closeMachine }

func NewCloseMachine(p ClosePhase) CloseMachine {
	return CloseMachine{&closeMachine{current: p}}
}

func (m CloseMachine) Receive(tp wire.MessageType) CloseTransition { return m.m.Receive(tp) }
func (m CloseMachine) Close() CloseTransition                      { return m.m.Close() }
func (m CloseMachine) Current() ClosePhase                         { return m.m.Current() }

var AverageConnID = averageConnID

// NewTestConnは、フローパスを持たないコネクションを作成します。
func NewTestConn(initiator bool, opts ...Option) (*Conn, error) {
	config, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}
	return newConn(config, 1, initiator), nil
}

func (c *Conn) AddTestFlowpath(id FlowpathID, ch transport.Channel) error {
	_, err := c.addFlowpath(id, ch, 0)
	return err
}

// SwapTestFlowpathは、マイグレーションの付け替え処理のみを実行します。
func (c *Conn) SwapTestFlowpath(id FlowpathID, ch transport.Channel, peerAck uint32) error {
	fp, _ := c.flowpath(id)
	return c.installChannel(fp, ch, 0, &peerAck, true)
}

func (c *Conn) Unacked() (uint64, uint64) {
	return c.sendBuf.Unacked()
}

func (c *Conn) ConfigForTest() Config {
	return *c.config
}

func (c *Conn) CloseInternal(err error) {
	c.closeInternal(err)
}

func (c *Conn) Wait() {
	_ = c.eg.Wait()
}
