package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/revtun/internal/obs"
	"github.com/matst80/revtun/internal/proto"
	"github.com/matst80/revtun/internal/ratelimit"
	"github.com/matst80/revtun/internal/tunnel"
	"github.com/matst80/revtun/internal/tunnelserver"
)

// relay dispatches connections arriving on the control address. The first
// message decides the role: auth opens a control session, register_proxy
// turns the connection into a data channel for a waiting public connection.
type relay struct {
	cfg     *Config
	state   StateStore
	bus     obs.Publisher
	limiter *ratelimit.Limiter
	listen  tunnelserver.ListenFunc
}

func (r *relay) acceptControl(ctx context.Context, ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.control.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go r.handleConn(c)
	}
}

func (r *relay) handleConn(c net.Conn) {
	pc := proto.NewConn(c)
	if r.cfg.HandshakeTimeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(r.cfg.HandshakeTimeout))
	}
	first, err := pc.ReadMessage()
	if err != nil {
		obs.Error("conn.handshake.read", obs.Fields{"err": err.Error(), "remote": c.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("handshake").Inc()
		_ = c.Close()
		return
	}
	_ = c.SetReadDeadline(time.Time{})
	switch first.Type {
	case proto.TypeAuth:
		r.serveControl(pc, first)
	case proto.TypeRegisterProxy:
		r.serveData(pc, first)
	default:
		obs.Error("conn.handshake.type", obs.Fields{"type": first.Type, "remote": c.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("handshake_type").Inc()
		_ = c.Close()
	}
}

func errorPayload(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}

func (r *relay) serveControl(c *proto.Conn, auth *proto.Message) {
	defer c.Close()
	remote := c.RemoteAddr().String()
	if r.cfg.Token != "" && auth.PayloadString("token") != r.cfg.Token {
		obs.Error("control.auth.token", obs.Fields{"remote": remote})
		obs.ErrorsTotal.WithLabelValues("auth_token").Inc()
		_ = c.WriteMessage(proto.NewMessage(proto.TypeAuthResponse, map[string]any{"error": "unauthorized"}, nil))
		return
	}
	c.SetWriteTimeout(r.cfg.ControlWriteTimeout)
	sess := &clientSession{id: uuid.NewString(), conn: c, remote: remote, lastSeen: time.Now()}
	if err := r.state.registerClient(sess); err != nil {
		obs.ErrorsTotal.WithLabelValues("register_conflict").Inc()
		_ = c.WriteMessage(proto.NewMessage(proto.TypeAuthResponse, errorPayload(err), nil))
		return
	}
	defer r.dropClient(sess.id)
	if err := c.WriteMessage(proto.NewMessage(proto.TypeAuthResponse, map[string]any{"client_id": sess.id}, nil)); err != nil {
		obs.Error("control.auth.write", obs.Fields{"err": err.Error(), "client_id": sess.id})
		return
	}
	obs.Info("client.registered", obs.Fields{"client_id": sess.id, "remote": remote})

	for {
		if r.cfg.ControlIdleTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(r.cfg.ControlIdleTimeout))
		}
		msg, err := c.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				obs.Info("control.idle_timeout", obs.Fields{"client_id": sess.id, "timeout": r.cfg.ControlIdleTimeout.String()})
				obs.ErrorsTotal.WithLabelValues("control_idle").Inc()
				return
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				obs.Error("control.conn.read", obs.Fields{"err": err.Error(), "client_id": sess.id})
			}
			return
		}
		r.state.touchClient(sess.id)
		switch msg.Type {
		case proto.TypeRegisterTunnel:
			resp := r.registerTunnel(sess, msg)
			if err := c.WriteMessage(resp); err != nil {
				obs.Error("control.register_tunnel.write", obs.Fields{"err": err.Error(), "client_id": sess.id})
				return
			}
		case proto.TypePing:
			if err := c.WriteMessage(proto.NewMessage(proto.TypePong, nil, nil)); err != nil {
				return
			}
		default:
			obs.Debug("control.unknown", obs.Fields{"type": msg.Type, "client_id": sess.id})
		}
	}
}

// dropClient closes every tunnel the client registered.
func (r *relay) dropClient(id string) {
	owned := r.state.removeClient(id)
	for _, srv := range owned {
		_ = srv.Close()
	}
	obs.Info("client.removed", obs.Fields{"client_id": id, "tunnels": len(owned)})
}

func (r *relay) registerTunnel(sess *clientSession, msg *proto.Message) *proto.Message {
	fail := func(err error) *proto.Message {
		obs.Error("tunnel.register", obs.Fields{"err": err.Error(), "client_id": sess.id})
		obs.ErrorsTotal.WithLabelValues("register_tunnel").Inc()
		return proto.NewMessage(proto.TypeRegisterTunnelResponse, errorPayload(err), nil)
	}
	desc, err := tunnel.FromMap(msg.Payload)
	if err != nil {
		return fail(err)
	}
	srv := tunnelserver.NewForDescriptor(desc, sess.conn, tunnelserver.Options{
		Host:          r.cfg.Host,
		WaitTimeout:   r.cfg.WaitTimeout,
		SweepInterval: r.cfg.SweepInterval,
		Publisher:     r.bus,
		Limiter:       r.limiter,
		Listen:        r.listen,
	})
	if err := r.state.claimTunnel(sess.id, srv); err != nil {
		_ = srv.Close()
		return fail(err)
	}
	if err := srv.Run(); err != nil {
		r.state.releaseTunnel(desc.Port())
		_ = srv.Close()
		return fail(err)
	}
	obs.Info("tunnel.registered", obs.Fields{"client_id": sess.id, "tunnel": desc.String(), "local_addr": desc.LocalAddr})
	return proto.NewMessage(proto.TypeRegisterTunnelResponse, desc.ToMap(), nil)
}

// serveData hands a data channel to the tunnel server owning the port named
// in the register_proxy payload. The proto.Conn is passed on so bytes the
// client sent right after the handshake line are not lost.
func (r *relay) serveData(c *proto.Conn, msg *proto.Message) {
	id := msg.Header(proto.HeaderProxyConnectionID)
	reject := func(kind string, err error) {
		obs.Error("data.register", obs.Fields{"err": err.Error(), "id": id})
		obs.ErrorsTotal.WithLabelValues(kind).Inc()
		_ = c.Close()
	}
	desc, err := tunnel.FromMap(msg.Payload)
	if err != nil {
		reject("data_descriptor", err)
		return
	}
	t := r.state.getTunnel(desc.Port())
	if t == nil {
		reject("data_no_tunnel", fmt.Errorf("%w %d", ErrUnknownPort, desc.Port()))
		return
	}
	if owner := msg.Header(proto.HeaderClientID); owner != t.clientID {
		reject("data_owner", errors.New("data channel from a client that does not own the tunnel"))
		return
	}
	if err := t.server.RegisterTunnelConnection(c, msg); err != nil {
		reject("data_pair", err)
		return
	}
}
