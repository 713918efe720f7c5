package websocket

import (
	"io"
	"net"
	"sync"
	"time"

	gwebsocket "github.com/gorilla/websocket"

	"github.com/aptpod/msocket-go/transport"
)

const closeGracePeriod = time.Second

// Channel は、WebSocketコネクションをバイトストリームとして扱う transport.Channel の実装です。
//
// 1回の Write が1つのバイナリメッセージになります。
// WebSocketは書き込みのタイムアウト後にコネクションが壊れるため、SetWriteDeadline は何もしません。
type Channel struct {
	wsconn *gwebsocket.Conn
	rd     io.Reader

	closeOnce sync.Once
	closeErr  error
}

var _ transport.Channel = (*Channel)(nil)

// New は、wsconnをラップした Channel を返却します。
func New(wsconn *gwebsocket.Conn) *Channel {
	return &Channel{wsconn: wsconn}
}

// Read は、受信したバイナリメッセージの内容を順に読み出します。
func (c *Channel) Read(b []byte) (int, error) {
	for {
		if c.rd == nil {
			tp, rd, err := c.wsconn.NextReader()
			if err != nil {
				return 0, handleError(err)
			}
			if tp != gwebsocket.BinaryMessage {
				continue
			}
			c.rd = rd
		}
		n, err := c.rd.Read(b)
		if err == io.EOF {
			c.rd = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		if err != nil {
			return n, handleError(err)
		}
		return n, nil
	}
}

// Write は、bを1つのバイナリメッセージとして送信します。
func (c *Channel) Write(b []byte) (int, error) {
	if err := c.wsconn.WriteMessage(gwebsocket.BinaryMessage, b); err != nil {
		return 0, handleError(err)
	}
	return len(b), nil
}

// Close は、クローズフレームを送信してコネクションを切断します。
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		msg := gwebsocket.FormatCloseMessage(gwebsocket.CloseNormalClosure, "")
		_ = c.wsconn.WriteControl(gwebsocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		c.closeErr = handleError(c.wsconn.Close())
	})
	return c.closeErr
}

func (c *Channel) SetReadDeadline(t time.Time) error {
	return c.wsconn.SetReadDeadline(t)
}

func (c *Channel) SetWriteDeadline(time.Time) error {
	return nil
}

func (c *Channel) LocalAddr() net.Addr {
	return c.wsconn.LocalAddr()
}

func (c *Channel) RemoteAddr() net.Addr {
	return c.wsconn.RemoteAddr()
}
