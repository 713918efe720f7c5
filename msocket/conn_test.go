package msocket_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aptpod/msocket-go/errors"
	. "github.com/aptpod/msocket-go/msocket"
	"github.com/aptpod/msocket-go/msocket/msocketmock"
	"github.com/aptpod/msocket-go/scheduler"
	"github.com/aptpod/msocket-go/transport"
	"github.com/aptpod/msocket-go/wire"
)

func TestConn_MigrationResendsUnacked(t *testing.T) {
	defer goleak.VerifyNone(t)
	c, err := NewTestConn(false, testOptions(WithChunkSize(1000))...)
	require.NoError(t, err)

	a0, b0 := transport.Pipe()
	require.NoError(t, c.AddTestFlowpath(0, a0))
	p0 := newRawPeer(b0)

	data := payload(3000)
	n, err := c.Write(data)
	require.NoError(t, err)
	require.Equal(t, 3000, n)
	for _, seq := range []uint32{0, 1000, 2000} {
		m := p0.next(t, wire.MessageTypeData)
		assert.Equal(t, seq, m.SendSeq)
	}

	// [0, 1000) のみ確認応答する
	p0.send(t, &wire.DataMessage{Type: wire.MessageTypeDataAckRep, AckSeq: 1000, RecvdBytes: 1000})
	require.Eventually(t, func() bool {
		base, _ := c.Unacked()
		return base == 1000
	}, time.Second, 10*time.Millisecond)

	a1, b1 := transport.Pipe()
	p1 := newRawPeer(b1)
	require.NoError(t, c.SwapTestFlowpath(0, a1, 1000))

	req := p1.next(t, wire.MessageTypeDataAckReq, wire.MessageTypeData)
	assert.Equal(t, wire.MessageTypeDataAckReq, req.Type)

	var resent []byte
	var seqs []uint32
	for len(resent) < 2000 {
		m := p1.next(t, wire.MessageTypeData)
		seqs = append(seqs, m.SendSeq)
		resent = append(resent, m.Payload...)
	}
	assert.Equal(t, []uint32{1000, 2000}, seqs)
	assert.Equal(t, data[1000:], resent)

	select {
	case m := <-p1.msgs:
		if m != nil {
			assert.NotEqual(t, wire.MessageTypeData, m.Type, "must not resend twice")
		}
	case <-time.After(100 * time.Millisecond):
	}

	info := c.Flowpaths()
	require.Len(t, info, 1)
	assert.True(t, info[0].Active)
	assert.Equal(t, uint64(2), info[0].Generation)

	c.CloseInternal(nil)
	c.Wait()
	p0.close()
	p1.close()
}

func TestConn_Ack(t *testing.T) {
	defer goleak.VerifyNone(t)
	c, err := NewTestConn(false, testOptions()...)
	require.NoError(t, err)
	a, b := transport.Pipe()
	require.NoError(t, c.AddTestFlowpath(0, a))
	p := newRawPeer(b)

	_, err = c.Write(payload(1000))
	require.NoError(t, err)
	p.next(t, wire.MessageTypeData)

	t.Run("送信済みを超える確認応答は無視する", func(t *testing.T) {
		p.send(t, &wire.DataMessage{Type: wire.MessageTypeDataAckRep, AckSeq: 5000})
		time.Sleep(50 * time.Millisecond)
		base, send := c.Unacked()
		assert.Equal(t, uint64(0), base)
		assert.Equal(t, uint64(1000), send)
	})
	t.Run("同じ確認応答を2回受信しても1回だけ進む", func(t *testing.T) {
		p.send(t, &wire.DataMessage{Type: wire.MessageTypeDataAckRep, AckSeq: 1000})
		p.send(t, &wire.DataMessage{Type: wire.MessageTypeDataAckRep, AckSeq: 1000})
		require.Eventually(t, func() bool {
			base, _ := c.Unacked()
			return base == 1000
		}, time.Second, 10*time.Millisecond)
		base, send := c.Unacked()
		assert.Equal(t, uint64(1000), base)
		assert.Equal(t, uint64(1000), send)
	})
	t.Run("DATAに載った確認応答も反映する", func(t *testing.T) {
		_, err = c.Write(payload(500))
		require.NoError(t, err)
		p.next(t, wire.MessageTypeData)
		p.send(t, &wire.DataMessage{Type: wire.MessageTypeData, SendSeq: 0, AckSeq: 1500, Payload: []byte("hi")})
		require.Eventually(t, func() bool {
			base, _ := c.Unacked()
			return base == 1500
		}, time.Second, 10*time.Millisecond)
		rep := p.next(t, wire.MessageTypeDataAckRep)
		assert.Equal(t, uint32(2), rep.AckSeq)
		assert.Equal(t, uint64(2), rep.RecvdBytes)
	})

	c.CloseInternal(nil)
	c.Wait()
	p.close()
}

func TestConn_Write(t *testing.T) {
	t.Run("送信バッファを超える書き込みは失敗する", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		c, err := NewTestConn(false, testOptions(WithChunkSize(1000), WithMaxSendBufferSize(2000))...)
		require.NoError(t, err)
		defer c.Wait()
		defer c.CloseInternal(nil)

		n, err := c.Write(payload(3000))
		assert.ErrorIs(t, err, errors.ErrSendBufferFull)
		assert.Equal(t, 0, n)
		_, send := c.Unacked()
		assert.Equal(t, uint64(0), send)
	})
	t.Run("閉じた後の書き込みは失敗する", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		c, err := NewTestConn(false, testOptions()...)
		require.NoError(t, err)
		c.CloseInternal(nil)
		c.Wait()

		_, err = c.Write([]byte("x"))
		assert.ErrorIs(t, err, errors.ErrConnectionClosed)
		_, err = c.Read(make([]byte, 1))
		assert.ErrorIs(t, err, errors.ErrConnectionClosed)
	})
	t.Run("フローパスがない場合は閉じられるまで待つ", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		c, err := NewTestConn(false, testOptions()...)
		require.NoError(t, err)

		done := make(chan error)
		go func() {
			_, err := c.Write([]byte("x"))
			done <- err
		}()
		select {
		case <-done:
			t.Fatal("must block")
		case <-time.After(50 * time.Millisecond):
		}
		c.CloseInternal(nil)
		assert.ErrorIs(t, <-done, errors.ErrConnectionClosed)
		c.Wait()
	})
}

func TestConn_Retransmission(t *testing.T) {
	defer goleak.VerifyNone(t)
	c, err := NewTestConn(false, testOptions(WithChunkSize(1000))...)
	require.NoError(t, err)

	a0, b0 := transport.Pipe()
	a1, b1 := transport.Pipe()
	require.NoError(t, c.AddTestFlowpath(0, a0))
	require.NoError(t, c.AddTestFlowpath(1, a1))
	p0, p1 := newRawPeer(b0), newRawPeer(b1)

	_, err = c.Write(payload(2000))
	require.NoError(t, err)

	assert.Equal(t, uint32(1000), p1.next(t, wire.MessageTypeData).SendSeq)

	// 未確認のバイト数が同じ場合は先のフローパスが再送先になり、他方の範囲を再送する
	assert.Equal(t, uint32(0), p0.next(t, wire.MessageTypeData).SendSeq)
	m := p0.next(t, wire.MessageTypeData)
	assert.Equal(t, uint32(1000), m.SendSeq)
	assert.Equal(t, payload(2000)[1000:], m.Payload)

	c.CloseInternal(nil)
	c.Wait()
	p0.close()
	p1.close()
}

func TestConn_KeepAlive(t *testing.T) {
	defer goleak.VerifyNone(t)
	failed := make(chan FlowpathID, 1)
	c, err := NewTestConn(false,
		WithKeepAliveInterval(20*time.Millisecond),
		WithKeepAliveTimeout(100*time.Millisecond),
		WithFailureHandler(FailureHandlerFunc(func(_ *Conn, id FlowpathID, err error) {
			select {
			case failed <- id:
			default:
			}
		})),
	)
	require.NoError(t, err)
	a, b := transport.Pipe()
	require.NoError(t, c.AddTestFlowpath(3, a))
	p := newRawPeer(b)

	t.Run("キープアライブを送信する", func(t *testing.T) {
		m := p.next(t, wire.MessageTypeKeepAlive)
		assert.Equal(t, wire.MessageTypeKeepAlive, m.Type)
	})
	t.Run("相手から受信しないとフローパスは非アクティブになる", func(t *testing.T) {
		select {
		case id := <-failed:
			assert.Equal(t, FlowpathID(3), id)
		case <-time.After(2 * time.Second):
			t.Fatal("failure handler is not called")
		}
		info := c.Flowpaths()
		require.Len(t, info, 1)
		assert.False(t, info[0].Active)
	})

	c.CloseInternal(nil)
	c.Wait()
	p.close()
}

func TestConn_EndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := newPipeNetwork()
	rec := &recordingSelector{Selector: scheduler.NewRoundRobinSelector()}
	client, server, ln := connect(t, n, "srv",
		[]Option{WithChunkSize(1000), WithSelectorFunc(func() scheduler.Selector { return rec })},
		nil,
	)
	defer ln.Close()
	assert.Equal(t, client.ConnectionID(), server.ConnectionID())
	assert.Equal(t, client.GUID(), server.PeerGUID())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id, err := client.AddFlowpath(ctx, "srv")
	require.NoError(t, err)
	assert.Equal(t, FlowpathID(1), id)
	require.Eventually(t, func() bool { return len(server.Flowpaths()) == 2 }, time.Second, 10*time.Millisecond)

	t.Run("チャンクはラウンドロビンで各フローパスへ積まれる", func(t *testing.T) {
		data := payload(2500)
		_, err := client.Write(data)
		require.NoError(t, err)
		assert.Equal(t, data, readFull(t, server, len(data)))
		assert.Equal(t, []sentChunk{
			{ID: 0, Seq: 0, Size: 1000},
			{ID: 1, Seq: 1000, Size: 1000},
			{ID: 0, Seq: 2000, Size: 500},
		}, rec.Sent())
	})
	t.Run("双方向に送受信できる", func(t *testing.T) {
		_, err := server.Write([]byte("pong"))
		require.NoError(t, err)
		assert.Equal(t, []byte("pong"), readFull(t, client, 4))
	})
	t.Run("マイグレーション後も欠落なく送受信できる", func(t *testing.T) {
		var want []byte
		for i := 0; i < 3; i++ {
			data := bytes.Repeat([]byte{byte(i)}, 1500)
			want = append(want, data...)
			_, err := client.Write(data)
			require.NoError(t, err)
			require.NoError(t, client.MigrateFlowpath(ctx, 0, ""))
		}
		assert.Equal(t, want, readFull(t, server, len(want)))
		for _, info := range client.Flowpaths() {
			assert.True(t, info.Active)
		}
		assert.Equal(t, uint64(4), client.Flowpaths()[0].Generation)
	})
	t.Run("フローパスを削除できる", func(t *testing.T) {
		require.NoError(t, client.RemoveFlowpath(1))
		require.Eventually(t, func() bool {
			return len(client.Flowpaths()) == 1 && len(server.Flowpaths()) == 1
		}, time.Second, 10*time.Millisecond)
		_, err := client.Write([]byte("after remove"))
		require.NoError(t, err)
		assert.Equal(t, []byte("after remove"), readFull(t, server, 12))
	})
	t.Run("切断シーケンスで両側が閉じる", func(t *testing.T) {
		closed := make(chan error)
		go func() {
			closed <- client.Close()
		}()
		_, err := server.Read(make([]byte, 1))
		require.ErrorIs(t, err, io.EOF)
		assert.Equal(t, ClosePhaseCloseWait, server.ClosePhase())

		require.NoError(t, server.Close())
		require.NoError(t, <-closed)
		assert.Equal(t, ClosePhaseClosed, client.ClosePhase())
		assert.Equal(t, ClosePhaseClosed, server.ClosePhase())
		assert.NoError(t, client.Close())
		assert.Equal(t, 0, ln.Conns())
	})
}

func TestConn_MigrationReset(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := newPipeNetwork()
	client, server, ln := connect(t, n, "srv", nil, nil)
	defer ln.Close()
	defer server.Close()

	other, err := NewListener(context.Background(), n.listen("other"), testOptions()...)
	require.NoError(t, err)
	defer other.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = client.MigrateFlowpath(ctx, 0, "other")
	require.ErrorIs(t, err, errors.ErrMigrationReset)
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("connection must be closed")
	}
	_, err = client.Write([]byte("x"))
	assert.ErrorIs(t, err, errors.ErrConnectionClosed)
	client.Close()
}

func TestConn_MigrationWithResolver(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctrl := gomock.NewController(t)
	resolver := msocketmock.NewMockResolver(ctrl)
	// Dialとアドレス省略のマイグレーションでそれぞれ解決する
	resolver.EXPECT().Resolve(gomock.Any(), "alias").Return("srv", nil).Times(2)

	n := newPipeNetwork()
	ln, err := NewListener(context.Background(), n.listen("srv"), testOptions()...)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	accepted := make(chan *Conn, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()
	client, err := Dial(ctx, "alias", testOptions(WithDialer(n), WithResolver(resolver))...)
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)

	require.NoError(t, client.MigrateFlowpath(ctx, 0, ""))
	_, err = client.Write([]byte("resolved"))
	require.NoError(t, err)
	assert.Equal(t, []byte("resolved"), readFull(t, server, 8))

	closed := make(chan error)
	go func() {
		closed <- client.Close()
	}()
	_, err = server.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, server.Close())
	assert.NoError(t, <-closed)
}

func TestListen_TCP(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := Listen(ctx, "127.0.0.1:0", testOptions()...)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = io.Copy(c, c)
	}()

	c, err := Dial(ctx, ln.Addr().String(), testOptions()...)
	require.NoError(t, err)

	msg := payload(10000)
	_, err = c.Write(msg)
	require.NoError(t, err)
	assert.Equal(t, msg, readFull(t, c, len(msg)))

	info := c.Flowpaths()
	require.Len(t, info, 1)
	assert.Equal(t, "tcp", info[0].RemoteAddr.Network())
	assert.Equal(t, ln.Addr().String(), c.RemoteAddr().String())
	require.NoError(t, c.Close())
}

func TestConn_PiggybackAck(t *testing.T) {
	defer goleak.VerifyNone(t)
	c, err := NewTestConn(false, testOptions(WithChunkSize(1000))...)
	require.NoError(t, err)
	a, b := transport.Pipe()
	require.NoError(t, c.AddTestFlowpath(0, a))

	// 相手が読み出さないため、3つのDATAはキューに残る
	_, err = c.Write(payload(3000))
	require.NoError(t, err)

	bs, err := (&wire.DataMessage{Type: wire.MessageTypeData, SendSeq: 0, Payload: []byte("hi")}).MarshalBinary()
	require.NoError(t, err)
	_, err = b.Write(bs)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), readFull(t, c, 2))

	p := newRawPeer(b)
	var acks []uint32
	for range 3 {
		m := p.next(t, wire.MessageTypeData)
		acks = append(acks, m.AckSeq)
	}
	assert.Equal(t, []uint32{2, 2}, acks[1:], "書き込み時点の確認応答を載せる")

	c.CloseInternal(nil)
	c.Wait()
	p.close()
}

func TestConn_CloseWhileWriting(t *testing.T) {
	defer goleak.VerifyNone(t)
	for range 50 {
		c, err := NewTestConn(false, testOptions(WithChunkSize(1000))...)
		require.NoError(t, err)
		a, b := transport.Pipe()
		require.NoError(t, c.AddTestFlowpath(0, a))
		p := newRawPeer(b)

		written := make(chan struct{})
		go func() {
			defer close(written)
			_, _ = c.Write(payload(20000))
		}()
		time.Sleep(time.Millisecond)
		c.CloseInternal(nil)
		<-written
		c.Wait()
		p.close()

		for _, info := range c.Flowpaths() {
			assert.False(t, info.Active)
			assert.Zero(t, info.QueueLen)
		}
	}
}

func TestConn_MigrationTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := newPipeNetwork()
	// 読み書きの期限がMigrationTimeoutより先に切れる
	client, server, ln := connect(t, n, "srv", []Option{WithHandshakeTimeout(100 * time.Millisecond)}, nil)
	defer ln.Close()

	silent := n.listen("silent")
	held := make(chan transport.Channel, 1)
	go func() {
		ch, err := silent.Accept()
		if err == nil {
			held <- ch
		}
		close(held)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := client.MigrateFlowpath(ctx, 0, "silent")
	require.ErrorIs(t, err, errors.ErrMigrationTimeout)

	info := client.Flowpaths()
	require.Len(t, info, 1)
	assert.False(t, info[0].Active)

	assert.NoError(t, client.Close())
	assert.NoError(t, server.Close())
	silent.Close()
	if ch, ok := <-held; ok {
		ch.Close()
	}
}
