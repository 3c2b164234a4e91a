package tunnelserver

import (
	"net/http"
	"time"

	"github.com/matst80/revtun/internal/tunnel"
	"github.com/matst80/revtun/internal/web"
)

// ProxyCloser decides how a tunnel variant ends a proxy connection the relay
// gives up on. The server has already removed the entry from its registry;
// the closer must release the socket.
type ProxyCloser interface {
	CloseProxyConnection(pc *ProxyConn, reason CloseReason) error
}

// TCPCloser drops the socket without writing anything.
type TCPCloser struct{}

func (TCPCloser) CloseProxyConnection(pc *ProxyConn, _ CloseReason) error {
	return pc.Close()
}

// HTTPCloser answers an unpaired connection with an HTML error page before
// closing it. Paired connections are closed without a response since the
// upstream may already have written one.
type HTTPCloser struct {
	Descriptor   tunnel.Descriptor
	WriteTimeout time.Duration
}

func (h HTTPCloser) CloseProxyConnection(pc *ProxyConn, reason CloseReason) error {
	st := pc.State()
	if st == StatePending || st == StateWaiting {
		timeout := h.WriteTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		c := pc.Conn()
		_ = c.SetWriteDeadline(time.Now().Add(timeout))
		resp := web.ErrorResponse(statusFor(reason), reason.Message(), map[string]any{
			"Tunnel": h.Descriptor.String(),
			"ID":     pc.ID(),
		})
		_, _ = c.Write(resp)
	}
	return pc.Close()
}

func statusFor(r CloseReason) int {
	switch r {
	case ReasonWaitTimeout:
		return http.StatusGatewayTimeout
	case ReasonServerClosed:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

// CloserFor returns the closer matching the descriptor protocol.
func CloserFor(d tunnel.Descriptor) ProxyCloser {
	if d.Protocol == tunnel.ProtocolHTTP {
		return HTTPCloser{Descriptor: d}
	}
	return TCPCloser{}
}
