package transport

import (
	"context"
	"net"
	"sync/atomic"
)

type pipe struct {
	net.Conn
	rxCounter *atomic.Uint64
	txCounter *atomic.Uint64
}

var (
	_ Channel = (*pipe)(nil)
	_ Counter = (*pipe)(nil)
)

func (p *pipe) Read(b []byte) (int, error) {
	n, err := p.Conn.Read(b)
	p.rxCounter.Add(uint64(n))
	return n, err
}

func (p *pipe) Write(b []byte) (int, error) {
	n, err := p.Conn.Write(b)
	p.txCounter.Add(uint64(n))
	return n, err
}

func (p *pipe) RxBytesCounterValue() uint64 {
	return p.rxCounter.Load()
}

func (p *pipe) TxBytesCounterValue() uint64 {
	return p.txCounter.Load()
}

// Pipe は、同期的なインメモリの Channel の組を返却します。
//
// 一方への書き込みは、もう一方で読み出されるまでブロックします。
func Pipe() (Channel, Channel) {
	c1, c2 := net.Pipe()
	return &pipe{
			Conn:      c1,
			rxCounter: &atomic.Uint64{},
			txCounter: &atomic.Uint64{},
		}, &pipe{
			Conn:      c2,
			rxCounter: &atomic.Uint64{},
			txCounter: &atomic.Uint64{},
		}
}

// PipeListener は、Dial されるたびに Pipe の一方を Accept へ渡す Listener です。
type PipeListener struct {
	acceptCh chan Channel
	closedCh chan struct{}
	closed   atomic.Bool
}

var _ Listener = (*PipeListener)(nil)

// NewPipeListener は、新しい PipeListener を返却します。
func NewPipeListener() *PipeListener {
	return &PipeListener{
		acceptCh: make(chan Channel),
		closedCh: make(chan struct{}),
	}
}

// Accept は Listener を実装します。
func (l *PipeListener) Accept() (Channel, error) {
	select {
	case <-l.closedCh:
		return nil, net.ErrClosed
	case ch := <-l.acceptCh:
		return ch, nil
	}
}

// Close は Listener を実装します。
func (l *PipeListener) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		close(l.closedCh)
	}
	return nil
}

// Addr は Listener を実装します。
func (l *PipeListener) Addr() net.Addr {
	return pipeAddr{}
}

// Dialer は、このリスナーへ接続する Dialer を返却します。DialConfig は無視されます。
func (l *PipeListener) Dialer() Dialer {
	return DialerFunc(func(ctx context.Context, _ DialConfig) (Channel, error) {
		local, remote := Pipe()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.closedCh:
			return nil, net.ErrClosed
		case l.acceptCh <- remote:
			return local, nil
		}
	})
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
