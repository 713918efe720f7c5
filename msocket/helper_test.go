package msocket_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/aptpod/msocket-go/msocket"
	"github.com/aptpod/msocket-go/scheduler"
	"github.com/aptpod/msocket-go/transport"
	"github.com/aptpod/msocket-go/wire"
)

// rawPeerは、フローパスの相手側としてメッセージを直接読み書きします。
type rawPeer struct {
	ch   transport.Channel
	msgs chan *wire.DataMessage
	done chan struct{}
}

func newRawPeer(ch transport.Channel) *rawPeer {
	p := &rawPeer{
		ch:   ch,
		msgs: make(chan *wire.DataMessage, 1024),
		done: make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		defer close(p.msgs)
		for {
			h, err := wire.ReadDataHeader(ch)
			if err != nil {
				return
			}
			if n := h.PayloadLen(); n > 0 {
				h.Payload = make([]byte, n)
				if _, err := io.ReadFull(ch, h.Payload); err != nil {
					return
				}
			}
			p.msgs <- h
		}
	}()
	return p
}

func (p *rawPeer) send(t *testing.T, m *wire.DataMessage) {
	t.Helper()
	bs, err := m.MarshalBinary()
	require.NoError(t, err)
	_, err = p.ch.Write(bs)
	require.NoError(t, err)
}

// nextは、keepは種別のメッセージを受信するまで読み進めます。
func (p *rawPeer) next(t *testing.T, keep ...wire.MessageType) *wire.DataMessage {
	t.Helper()
	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()
	for {
		select {
		case m, ok := <-p.msgs:
			require.True(t, ok, "channel closed")
			for _, k := range keep {
				if m.Type == k {
					return m
				}
			}
		case <-timer.C:
			require.FailNow(t, "timed out")
		}
	}
}

func (p *rawPeer) close() {
	p.ch.Close()
	<-p.done
}

// recordingSelectorは、チャンクを積んだフローパスを記録します。
type recordingSelector struct {
	scheduler.Selector

	mu   sync.Mutex
	sent []sentChunk
}

type sentChunk struct {
	ID   FlowpathID
	Seq  uint64
	Size int
}

func (s *recordingSelector) InformSent(id FlowpathID, seq uint64, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentChunk{ID: id, Seq: seq, Size: size})
}

func (s *recordingSelector) Sent() []sentChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentChunk(nil), s.sent...)
}

// pipeNetworkは、アドレスごとに PipeListener を用意する Dialer です。
type pipeNetwork struct {
	mu        sync.Mutex
	listeners map[string]*transport.PipeListener
}

func newPipeNetwork() *pipeNetwork {
	return &pipeNetwork{listeners: make(map[string]*transport.PipeListener)}
}

func (n *pipeNetwork) listen(address string) *transport.PipeListener {
	n.mu.Lock()
	defer n.mu.Unlock()
	l := transport.NewPipeListener()
	n.listeners[address] = l
	return l
}

func (n *pipeNetwork) Dial(ctx context.Context, c transport.DialConfig) (transport.Channel, error) {
	n.mu.Lock()
	l, ok := n.listeners[c.Address]
	n.mu.Unlock()
	if !ok {
		return nil, io.ErrClosedPipe
	}
	return l.Dialer().Dial(ctx, c)
}

// testOptionsは、テストで時間に依存する処理が走らないようにするオプションです。
func testOptions(opts ...Option) []Option {
	return append([]Option{
		WithKeepAliveInterval(time.Hour),
		WithCloseTimeout(2 * time.Second),
		WithMigrationTimeout(time.Second),
		WithHandshakeTimeout(time.Second),
	}, opts...)
}

// connectは、pipeNetwork上でリスナーとコネクションを確立します。
func connect(t *testing.T, n *pipeNetwork, address string, clientOpts, serverOpts []Option) (client, server *Conn, ln *Listener) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ln, err := NewListener(context.Background(), n.listen(address), testOptions(serverOpts...)...)
	require.NoError(t, err)

	accepted := make(chan *Conn, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()
	client, err = Dial(ctx, address, testOptions(append([]Option{WithDialer(n)}, clientOpts...)...)...)
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)
	return client, server, ln
}

func readFull(t *testing.T, c *Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(c, buf)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "read timed out")
	}
	return buf
}

func payload(n int) []byte {
	bs := make([]byte, n)
	for i := range bs {
		bs[i] = byte(i % 251)
	}
	return bs
}
