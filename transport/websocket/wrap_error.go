package websocket

import (
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	gwebsocket "github.com/gorilla/websocket"

	"github.com/aptpod/msocket-go/errors"
	"github.com/aptpod/msocket-go/transport"
)

func handleError(err error) error {
	if err == nil {
		return nil
	}
	if gwebsocket.IsCloseError(err, gwebsocket.CloseNormalClosure, gwebsocket.CloseGoingAway) {
		return io.EOF
	}
	if transport.IsTimeout(err) {
		return err
	}
	if isErrTransportClosed(err) {
		return fmt.Errorf("websocket %v: %w", err, transport.ErrAlreadyClosed)
	}
	var closeErr *gwebsocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Errorf("websocket closed with code %d: %w", closeErr.Code, transport.ErrAlreadyClosed)
	}
	return err
}

func isErrTransportClosed(err error) bool {
	if errors.Is(err, gwebsocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if err, ok := err.(*net.OpError); ok {
		if errors.Is(err, syscall.EPIPE) {
			return true
		}
		if err, ok := err.Unwrap().(*os.SyscallError); ok {
			return err.Unwrap().Error() == "connection reset by peer"
		}
		return err.Unwrap().Error() == "use of closed network connection"
	}
	return false
}
