package tunnelserver

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

type State int

const (
	StatePending State = iota // accepted, request_proxy not yet sent
	StateWaiting              // request sent, input buffered
	StatePaired               // input routed to the tunnel connection
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateWaiting:
		return "waiting"
	case StatePaired:
		return "paired"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const readChunk = 32 * 1024

// ProxyConn wraps one public connection accepted by a tunnel server.
//
// A single pump goroutine reads the socket once the connection is paused or
// resumed. While unpaired the bytes go to an internal buffer; once paired they
// go to the sink. The mutex gates both, so the buffered bytes are always
// written to the sink before any byte read after pairing.
type ProxyConn struct {
	id   string
	conn net.Conn

	mu      sync.Mutex
	state   State
	since   time.Time
	buf     bytes.Buffer
	sink    io.Writer
	onEnd   func(error)
	pumping bool
	ended   bool
	endErr  error
}

func NewProxyConn(id string, conn net.Conn) *ProxyConn {
	return &ProxyConn{id: id, conn: conn, state: StatePending}
}

func (pc *ProxyConn) ID() string     { return pc.id }
func (pc *ProxyConn) Conn() net.Conn { return pc.conn }

func (pc *ProxyConn) State() State {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// WaitingDuration is the time spent in the waiting state, zero otherwise.
func (pc *ProxyConn) WaitingDuration(now time.Time) time.Duration {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.state != StateWaiting {
		return 0
	}
	return now.Sub(pc.since)
}

// BufferedBytes returns a copy of the input received while unpaired.
func (pc *ProxyConn) BufferedBytes() []byte {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]byte(nil), pc.buf.Bytes()...)
}

// Pause moves a pending connection to waiting and starts buffering its input.
// onEnd runs once if the read side ends before the connection is paired.
func (pc *ProxyConn) Pause(now time.Time, onEnd func(error)) {
	pc.mu.Lock()
	if pc.state != StatePending {
		pc.mu.Unlock()
		return
	}
	pc.state = StateWaiting
	pc.since = now
	pc.onEnd = onEnd
	start := !pc.pumping
	pc.pumping = true
	pc.mu.Unlock()
	if start {
		go pc.pump()
	}
}

// Resume pairs the connection with sink: buffered input is flushed to sink,
// then live input follows. onEnd runs once when the public read side ends,
// immediately if it already has.
func (pc *ProxyConn) Resume(sink io.Writer, onEnd func(error)) error {
	pc.mu.Lock()
	if pc.state != StatePending && pc.state != StateWaiting {
		st := pc.state
		pc.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotWaiting, st)
	}
	if pc.buf.Len() > 0 {
		if _, err := sink.Write(pc.buf.Bytes()); err != nil {
			pc.mu.Unlock()
			return fmt.Errorf("flush buffered bytes: %w", err)
		}
		pc.buf.Reset()
	}
	pc.state = StatePaired
	pc.sink = sink
	ended, endErr := pc.ended, pc.endErr
	if !ended {
		pc.onEnd = onEnd
	}
	start := !pc.pumping && !ended
	pc.pumping = true
	pc.mu.Unlock()
	if start {
		go pc.pump()
	}
	if ended && onEnd != nil {
		onEnd(endErr)
	}
	return nil
}

// Close releases the socket. Safe to call more than once.
func (pc *ProxyConn) Close() error {
	pc.mu.Lock()
	if pc.state == StateClosed {
		pc.mu.Unlock()
		return nil
	}
	pc.state = StateClosed
	pc.onEnd = nil
	pc.buf.Reset()
	pc.mu.Unlock()
	return pc.conn.Close()
}

func (pc *ProxyConn) pump() {
	b := make([]byte, readChunk)
	for {
		n, err := pc.conn.Read(b)
		if n > 0 {
			if werr := pc.deliver(b[:n]); werr != nil {
				pc.finish(werr)
				return
			}
		}
		if err != nil {
			pc.finish(err)
			return
		}
	}
}

func (pc *ProxyConn) deliver(p []byte) error {
	pc.mu.Lock()
	switch pc.state {
	case StatePending, StateWaiting:
		pc.buf.Write(p)
		pc.mu.Unlock()
		return nil
	case StatePaired:
		sink := pc.sink
		pc.mu.Unlock()
		_, err := sink.Write(p)
		return err
	}
	pc.mu.Unlock()
	return net.ErrClosed
}

func (pc *ProxyConn) finish(err error) {
	pc.mu.Lock()
	pc.ended = true
	pc.endErr = err
	h := pc.onEnd
	pc.onEnd = nil
	pc.mu.Unlock()
	if h != nil {
		h(err)
	}
}
