package proto

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Message types exchanged over control connections and data channels.
const (
	TypeAuth                   = "auth"
	TypeAuthResponse           = "auth_response"
	TypeRegisterTunnel         = "register_tunnel"
	TypeRegisterTunnelResponse = "register_tunnel_response"
	TypeRequestProxy           = "request_proxy"
	TypeRegisterProxy          = "register_proxy"
	TypeStartProxy             = "start_proxy"
	TypePing                   = "ping"
	TypePong                   = "pong"
)

const (
	HeaderProxyConnectionID = "Proxy-Connection-ID"
	HeaderClientID          = "Client-ID"
)

// MaxLineSize bounds a single encoded message.
const MaxLineSize = 64 * 1024

var ErrLineTooLong = errors.New("message line too long")

// Message is the generic typed message: one JSON object per line on the wire.
type Message struct {
	Type    string            `json:"type"`
	Payload map[string]any    `json:"payload,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func NewMessage(typ string, payload map[string]any, headers map[string]string) *Message {
	return &Message{Type: typ, Payload: payload, Headers: headers}
}

// Header returns the named header or "".
func (m *Message) Header(name string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// SetHeader sets a header, allocating the map when needed.
func (m *Message) SetHeader(name, value string) {
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	m.Headers[name] = value
}

// PayloadString returns payload[key] when it is a string.
func (m *Message) PayloadString(key string) string {
	if m == nil || m.Payload == nil {
		return ""
	}
	s, _ := m.Payload[key].(string)
	return s
}

// WriteMessage encodes m as a single JSON line.
func WriteMessage(w io.Writer, m *Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

// ReadMessage decodes the next JSON line from rd.
func ReadMessage(rd *bufio.Reader) (*Message, error) {
	var line []byte
	for {
		chunk, isPrefix, err := rd.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > MaxLineSize {
			return nil, ErrLineTooLong
		}
		if !isPrefix {
			break
		}
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return nil, errors.New("decode message: missing type")
	}
	return &m, nil
}

// Conn wraps a net.Conn with message framing. Reads go through the same
// buffered reader used for message decoding, so bytes that follow a handshake
// message are never lost when the connection switches to raw streaming.
// Writes are serialized.
type Conn struct {
	net.Conn
	rd           *bufio.Reader
	wmu          sync.Mutex
	writeTimeout time.Duration
}

func NewConn(c net.Conn) *Conn {
	return &Conn{Conn: c, rd: bufio.NewReader(c)}
}

func (c *Conn) ReadMessage() (*Message, error) { return ReadMessage(c.rd) }

// SetWriteTimeout bounds every later WriteMessage call. Zero disables it.
// Raw Writes are not affected.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.wmu.Lock()
	c.writeTimeout = d
	c.wmu.Unlock()
}

func (c *Conn) WriteMessage(m *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return WriteMessage(c.Conn, m)
}

func (c *Conn) Read(b []byte) (int, error) { return c.rd.Read(b) }

func (c *Conn) Write(b []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.Conn.Write(b)
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
