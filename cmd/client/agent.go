package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/matst80/revtun/internal/obs"
	"github.com/matst80/revtun/internal/proto"
	"github.com/matst80/revtun/internal/tunnel"
	"github.com/matst80/revtun/internal/web"
)

var ErrAuth = errors.New("relay rejected authentication")

// agent keeps one control connection to the relay and opens a data channel
// for every request_proxy it receives.
type agent struct {
	cfg  *Config
	dial func(network, addr string, timeout time.Duration) (net.Conn, error)
}

func newAgent(c *Config) *agent {
	return &agent{cfg: c, dial: net.DialTimeout}
}

// runOnce serves a single control connection until it fails or ctx is done.
func (a *agent) runOnce(ctx context.Context) error {
	c, err := a.dial("tcp", a.cfg.ServerAddr, a.cfg.DialTimeout)
	if err != nil {
		return err
	}
	ctrl := proto.NewConn(c)
	defer ctrl.Close()
	stop := context.AfterFunc(ctx, func() { _ = ctrl.Close() })
	defer stop()

	if err := ctrl.WriteMessage(proto.NewMessage(proto.TypeAuth, map[string]any{"token": a.cfg.Token}, nil)); err != nil {
		return err
	}
	resp, err := ctrl.ReadMessage()
	if err != nil {
		return err
	}
	if resp.Type != proto.TypeAuthResponse {
		return fmt.Errorf("unexpected %s before auth_response", resp.Type)
	}
	clientID := resp.PayloadString("client_id")
	if clientID == "" {
		return fmt.Errorf("%w: %s", ErrAuth, resp.PayloadString("error"))
	}
	obs.Info("client.authenticated", obs.Fields{"client_id": clientID})

	for _, d := range a.cfg.Tunnels {
		if err := ctrl.WriteMessage(proto.NewMessage(proto.TypeRegisterTunnel, d.ToMap(), nil)); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	defer close(done)
	if a.cfg.PingInterval > 0 {
		go a.keepalive(ctrl, done)
	}

	for {
		msg, err := ctrl.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch msg.Type {
		case proto.TypeRegisterTunnelResponse:
			if e := msg.PayloadString("error"); e != "" {
				obs.Error("client.tunnel.rejected", obs.Fields{"err": e})
				continue
			}
			d, _ := tunnel.FromMap(msg.Payload)
			obs.Info("client.tunnel.registered", obs.Fields{"tunnel": d.String(), "local_addr": d.LocalAddr})
		case proto.TypeRequestProxy:
			go a.handleRequest(clientID, msg)
		case proto.TypePong:
			obs.Debug("client.pong", nil)
		default:
			obs.Debug("client.control.unknown", obs.Fields{"type": msg.Type})
		}
	}
}

func (a *agent) keepalive(ctrl *proto.Conn, done <-chan struct{}) {
	t := time.NewTicker(a.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := ctrl.WriteMessage(proto.NewMessage(proto.TypePing, nil, nil)); err != nil {
				return
			}
		}
	}
}

// handleRequest opens the data channel for one public connection and
// splices it with the local service once the relay answers start_proxy.
func (a *agent) handleRequest(clientID string, req *proto.Message) {
	id := req.Header(proto.HeaderProxyConnectionID)
	desc, err := tunnel.FromMap(req.Payload)
	if err != nil {
		obs.Error("client.request.descriptor", obs.Fields{"err": err.Error(), "id": id})
		return
	}
	local, ok := a.localAddr(desc)
	if !ok {
		obs.Error("client.request.unknown_tunnel", obs.Fields{"tunnel": desc.String(), "id": id})
		return
	}

	c, err := a.dial("tcp", a.cfg.ServerAddr, a.cfg.DialTimeout)
	if err != nil {
		obs.Error("client.data.dial", obs.Fields{"err": err.Error(), "id": id})
		return
	}
	data := proto.NewConn(c)
	reg := proto.NewMessage(proto.TypeRegisterProxy, req.Payload, map[string]string{
		proto.HeaderProxyConnectionID: id,
		proto.HeaderClientID:          clientID,
	})
	if err := data.WriteMessage(reg); err != nil {
		obs.Error("client.data.register", obs.Fields{"err": err.Error(), "id": id})
		_ = data.Close()
		return
	}
	_ = data.SetReadDeadline(time.Now().Add(a.cfg.DialTimeout))
	start, err := data.ReadMessage()
	if err != nil || start.Type != proto.TypeStartProxy {
		obs.Error("client.data.start", obs.Fields{"err": fmt.Sprint(err), "id": id})
		_ = data.Close()
		return
	}
	_ = data.SetReadDeadline(time.Time{})

	lc, err := a.dial("tcp", local, a.cfg.DialTimeout)
	if err != nil {
		obs.Error("client.local.dial", obs.Fields{"err": err.Error(), "id": id, "local_addr": local})
		if desc.Protocol == tunnel.ProtocolHTTP {
			_, _ = data.Write(web.ErrorResponse(502, "local service unreachable", map[string]any{"Tunnel": desc.String()}))
		}
		_ = data.Close()
		return
	}
	obs.Debug("client.proxy.start", obs.Fields{"id": id, "tunnel": desc.String(), "local_addr": local})
	splice(data, lc)
}

// localAddr prefers the client's own configuration over the echoed payload.
func (a *agent) localAddr(d tunnel.Descriptor) (string, bool) {
	for _, t := range a.cfg.Tunnels {
		if t.ServerPort == d.ServerPort {
			return t.LocalAddr, true
		}
	}
	return d.LocalAddr, d.LocalAddr != ""
}

func splice(a, b net.Conn) {
	var once sync.Once
	closeBoth := func() { once.Do(func() { _ = a.Close(); _ = b.Close() }) }
	go func() { _, _ = io.Copy(a, b); closeBoth() }()
	go func() { _, _ = io.Copy(b, a); closeBoth() }()
}
