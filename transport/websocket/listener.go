package websocket

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	gwebsocket "github.com/gorilla/websocket"

	"github.com/aptpod/msocket-go/log"
	"github.com/aptpod/msocket-go/transport"
)

// Listener は、WebSocketのアップグレード要求をチャネルとして受け入れる transport.Listener の実装です。
//
// http.Handler を実装しているため、既存のHTTPサーバーに組み込むこともできます。
type Listener struct {
	upgrader gwebsocket.Upgrader
	logger   log.Logger

	ln     net.Listener
	server *http.Server

	acceptCh  chan *Channel
	closedCh  chan struct{}
	closeOnce sync.Once
}

var (
	_ transport.Listener = (*Listener)(nil)
	_ http.Handler       = (*Listener)(nil)
)

// NewListener は、HTTPサーバーを持たない Listener を返却します。ServeHTTP で要求を受け付けます。
func NewListener(logger log.Logger) *Listener {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Listener{
		upgrader: gwebsocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		logger:   logger,
		acceptCh: make(chan *Channel),
		closedCh: make(chan struct{}),
	}
}

// Listen は、addressでHTTPサーバーを起動し、DefaultPath で待ち受ける Listener を返却します。
func Listen(address string, logger log.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp4", address)
	if err != nil {
		return nil, err
	}
	l := NewListener(logger)
	mux := http.NewServeMux()
	mux.Handle(DefaultPath, l)
	l.ln = ln
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.logger.Errorf(context.Background(), "websocket server: %v", err)
		}
	}()
	return l, nil
}

// ServeHTTP は、要求をWebSocketへアップグレードし、Accept へ渡します。
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsconn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warnf(r.Context(), "websocket upgrade: %v", err)
		return
	}
	ch := New(wsconn)
	select {
	case l.acceptCh <- ch:
	case <-l.closedCh:
		ch.Close()
	}
}

// Accept は transport.Listener を実装します。
func (l *Listener) Accept() (transport.Channel, error) {
	select {
	case <-l.closedCh:
		return nil, net.ErrClosed
	case ch := <-l.acceptCh:
		return ch, nil
	}
}

// Close は transport.Listener を実装します。
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closedCh)
		if l.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			err = l.server.Shutdown(ctx)
		}
	})
	return err
}

// Addr は transport.Listener を実装します。
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}
