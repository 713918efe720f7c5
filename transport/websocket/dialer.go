package websocket

import (
	"context"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"

	gwebsocket "github.com/gorilla/websocket"

	"github.com/aptpod/msocket-go/errors"
	"github.com/aptpod/msocket-go/transport"
	"github.com/aptpod/msocket-go/transport/nic"
)

// Dialer は、WebSocketでチャネルを接続する transport.Dialer の実装です。
type Dialer struct {
	// Path は、接続先のパスです。空の場合は DefaultPath を使用します。
	Path string
	// Header は、ハンドシェイク時に付与するHTTPヘッダーです。
	Header http.Header
	// Secure がtrueの場合は wss で接続します。
	Secure bool
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial は transport.Dialer を実装します。
func (d *Dialer) Dial(ctx context.Context, c transport.DialConfig) (transport.Channel, error) {
	u := url.URL{Scheme: "ws", Host: c.Address, Path: d.Path}
	if d.Secure {
		u.Scheme = "wss"
	}
	if u.Path == "" {
		u.Path = DefaultPath
	}

	wsDialer := *gwebsocket.DefaultDialer
	if c.NIC != "" {
		dc, err := nic.NewDialContext(nic.DialContextConfig{NIC: c.NIC})
		if err != nil {
			return nil, errors.Errorf("nic %s: %w", c.NIC, err)
		}
		wsDialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dc.DialContext(ctx, network, addr)
		}
	}

	//nolint
	wsconn, resp, err := wsDialer.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		if resp == nil {
			return nil, err
		}
		dump, _ := httputil.DumpResponse(resp, true)
		return nil, errors.Errorf("dial failed with error response[%s]: %w", dump, err)
	}
	return New(wsconn), nil
}
