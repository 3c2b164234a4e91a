package tunnelserver

import "errors"

var (
	// ErrProxyNotFound: a tunnel connection referenced an id that is not
	// pending (timed out, already paired, or never issued).
	ErrProxyNotFound = errors.New("proxy connection not found")
	ErrListenBind    = errors.New("tunnel listener bind failed")
	ErrServerClosed  = errors.New("tunnel server closed")
	ErrDuplicateID   = errors.New("duplicate proxy connection id")
	ErrNotWaiting    = errors.New("proxy connection is not waiting")
)

// CloseReason says why a proxy connection was closed by the relay.
type CloseReason string

const (
	ReasonWaitTimeout  CloseReason = "wait_timeout"
	ReasonServerClosed CloseReason = "server_closed"
	ReasonPeerClosed   CloseReason = "peer_closed"
	ReasonControlLost  CloseReason = "control_lost"
	ReasonPairFailed   CloseReason = "pair_failed"
)

func (r CloseReason) Message() string {
	switch r {
	case ReasonWaitTimeout:
		return "Waiting for a tunnel connection took too long"
	case ReasonServerClosed:
		return "The tunnel server has been closed"
	case ReasonPeerClosed:
		return "The public connection closed before a tunnel connection arrived"
	case ReasonControlLost:
		return "The tunnel client could not be reached"
	case ReasonPairFailed:
		return "The tunnel connection failed during the handshake"
	}
	return string(r)
}
