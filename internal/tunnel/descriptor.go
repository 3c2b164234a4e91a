// Package tunnel describes a single exposed tunnel: which public port on the
// relay maps to which service on the client side.
package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
)

type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolHTTP Protocol = "http"
)

var ErrInvalidDescriptor = errors.New("invalid tunnel descriptor")

// Descriptor is sent to the client inside every request_proxy message.
type Descriptor struct {
	Protocol   Protocol
	ServerPort int
	LocalAddr  string // client side target, opaque to the relay
	Host       string // informational for http tunnels
}

func (d Descriptor) Port() int { return d.ServerPort }

// ListenAddress joins host with the tunnel port.
func (d Descriptor) ListenAddress(host string) string {
	return net.JoinHostPort(host, strconv.Itoa(d.ServerPort))
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s:%d", d.Protocol, d.ServerPort)
}

func (d Descriptor) Validate() error {
	switch d.Protocol {
	case ProtocolTCP, ProtocolHTTP:
	default:
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidDescriptor, d.Protocol)
	}
	if d.ServerPort <= 0 || d.ServerPort > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrInvalidDescriptor, d.ServerPort)
	}
	return nil
}

// ToMap is the serialized form used as the request_proxy payload.
func (d Descriptor) ToMap() map[string]any {
	m := map[string]any{
		"protocol":    string(d.Protocol),
		"server_port": d.ServerPort,
	}
	if d.LocalAddr != "" {
		m["local_addr"] = d.LocalAddr
	}
	if d.Host != "" {
		m["host"] = d.Host
	}
	return m
}

// FromMap parses a payload produced by ToMap, possibly after a JSON round trip.
func FromMap(m map[string]any) (Descriptor, error) {
	if m == nil {
		return Descriptor{}, fmt.Errorf("%w: empty payload", ErrInvalidDescriptor)
	}
	var d Descriptor
	proto, _ := m["protocol"].(string)
	if proto == "" {
		proto = string(ProtocolTCP)
	}
	d.Protocol = Protocol(proto)
	port, err := toInt(m["server_port"])
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: server_port: %v", ErrInvalidDescriptor, err)
	}
	d.ServerPort = port
	d.LocalAddr, _ = m["local_addr"].(string)
	d.Host, _ = m["host"].(string)
	return d, d.Validate()
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(n)
	case nil:
		return 0, errors.New("missing")
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}
