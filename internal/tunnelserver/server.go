// Package tunnelserver pairs public connections accepted on a tunnel port with
// tunnel connections opened back by the client agent.
//
// Flow: the listener accepts a public connection, it is registered under a
// fresh id and a request_proxy message carrying that id is written to the
// client's control connection. The public connection is paused and its input
// buffered. When the client opens a data channel naming the id, the server
// answers start_proxy on it, replays the buffered bytes and splices both
// sockets. Connections nobody claims are closed by a periodic sweep.
package tunnelserver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/revtun/internal/obs"
	"github.com/matst80/revtun/internal/proto"
	"github.com/matst80/revtun/internal/ratelimit"
	"github.com/matst80/revtun/internal/tunnel"
)

const (
	DefaultWaitTimeout   = 60 * time.Second
	DefaultSweepInterval = 60 * time.Second
)

// Bus event names.
const (
	EventRequestProxy = "request_proxy"
	EventStartProxy   = "start_proxy"
)

// ControlWriter is the client's control connection. It is shared with the
// owning session and never closed by the tunnel server.
type ControlWriter interface {
	WriteMessage(m *proto.Message) error
}

type ListenFunc func(network, addr string) (net.Listener, error)

type Options struct {
	Host          string        // bind host, joined with the tunnel port
	WaitTimeout   time.Duration // how long a connection may wait for its tunnel connection
	SweepInterval time.Duration // how often waiting connections are checked
	Publisher     obs.Publisher
	Listen        ListenFunc
	Limiter       *ratelimit.Limiter
	Now           func() time.Time
	NewID         func() string
}

func (o *Options) setDefaults() {
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = DefaultWaitTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Publisher == nil {
		o.Publisher = obs.NopPublisher
	}
	if o.Listen == nil {
		o.Listen = net.Listen
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

// Server is one tunnel's public listener plus its pool of pending proxy
// connections. The registry is owned by the loop goroutine; every other
// goroutine reaches it through do.
type Server struct {
	desc    tunnel.Descriptor
	control ControlWriter
	closer  ProxyCloser
	opts    Options

	registry *Registry

	calls    chan func()
	quit     chan struct{}
	loopDone chan struct{}
	closing  sync.WaitGroup // closer goroutines started by the loop

	mu        sync.Mutex
	lns       []net.Listener
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a tunnel server and starts its sweep loop. Call Run to start
// accepting and Close to release it. A nil closer picks one from the
// descriptor protocol.
func New(desc tunnel.Descriptor, control ControlWriter, closer ProxyCloser, opts Options) *Server {
	opts.setDefaults()
	if closer == nil {
		closer = CloserFor(desc)
	}
	s := &Server{
		desc:     desc,
		control:  control,
		closer:   closer,
		opts:     opts,
		registry: NewRegistry(),
		calls:    make(chan func()),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	obs.TunnelServers.Inc()
	go s.loop()
	return s
}

func NewTCP(desc tunnel.Descriptor, control ControlWriter, opts Options) *Server {
	return New(desc, control, TCPCloser{}, opts)
}

func NewHTTP(desc tunnel.Descriptor, control ControlWriter, opts Options) *Server {
	return New(desc, control, HTTPCloser{Descriptor: desc}, opts)
}

func NewForDescriptor(desc tunnel.Descriptor, control ControlWriter, opts Options) *Server {
	return New(desc, control, CloserFor(desc), opts)
}

func (s *Server) Descriptor() tunnel.Descriptor { return s.desc }
func (s *Server) Control() ControlWriter        { return s.control }
func (s *Server) ListenAddress() string         { return s.desc.ListenAddress(s.opts.Host) }

// Addr is the bound address of the first listener, nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lns) == 0 {
		return nil
	}
	return s.lns[0].Addr()
}

// Pending reports how many connections are waiting for a tunnel connection.
func (s *Server) Pending() int {
	n := 0
	if err := s.do(func() { n = s.registry.Len() }); err != nil {
		return 0
	}
	return n
}

// Run binds the tunnel port and starts accepting public connections. Each
// call adds a listener; callers run it once.
func (s *Server) Run() error {
	if s.isClosed() {
		return ErrServerClosed
	}
	addr := s.ListenAddress()
	ln, err := s.opts.Listen("tcp", addr)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("listen_bind").Inc()
		return fmt.Errorf("%w: %s: %w", ErrListenBind, addr, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.lns = append(s.lns, ln)
	s.mu.Unlock()
	obs.Info("tunnel.listen", obs.Fields{"tunnel": s.desc.String(), "addr": ln.Addr().String()})
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("tunnel.accept.timeout", obs.Fields{"err": err.Error(), "tunnel": s.desc.String()})
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				obs.Error("tunnel.accept", obs.Fields{"err": err.Error(), "tunnel": s.desc.String()})
			}
			return
		}
		if !s.opts.Limiter.Allow(s.desc.String()) {
			obs.ProxyRejectedTotal.Inc()
			obs.Debug("tunnel.accept.rejected", obs.Fields{"tunnel": s.desc.String(), "remote": c.RemoteAddr().String()})
			_ = c.Close()
			continue
		}
		pc := NewProxyConn(s.opts.NewID(), c)
		if err := s.insert(pc); err != nil {
			_ = c.Close()
			if errors.Is(err, ErrServerClosed) {
				return
			}
			obs.Error("tunnel.accept.insert", obs.Fields{"err": err.Error(), "id": pc.ID()})
			continue
		}
		obs.Debug("tunnel.accept", obs.Fields{"tunnel": s.desc.String(), "id": pc.ID(), "remote": c.RemoteAddr().String()})
		go s.HandleProxyConnection(pc)
	}
}

// HandleProxyConnection asks the client for a tunnel connection and parks pc
// until one arrives.
func (s *Server) HandleProxyConnection(pc *ProxyConn) {
	msg := proto.NewMessage(proto.TypeRequestProxy, s.desc.ToMap(), map[string]string{
		proto.HeaderProxyConnectionID: pc.ID(),
	})
	// Waiting starts before the control write so a stalled control link
	// cannot keep the connection out of the sweep.
	pc.Pause(s.opts.Now(), func(error) { s.drop(pc, ReasonPeerClosed) })
	if err := s.control.WriteMessage(msg); err != nil {
		obs.Error("tunnel.request_proxy", obs.Fields{"err": err.Error(), "id": pc.ID(), "tunnel": s.desc.String()})
		obs.ErrorsTotal.WithLabelValues("request_proxy").Inc()
		s.drop(pc, ReasonControlLost)
		return
	}
	s.publish(EventRequestProxy, msg)
}

// RegisterTunnelConnection pairs the data channel dc with the proxy
// connection named by msg's Proxy-Connection-ID header. On error the caller
// owns dc and should close it.
func (s *Server) RegisterTunnelConnection(dc net.Conn, msg *proto.Message) error {
	id := msg.Header(proto.HeaderProxyConnectionID)
	var (
		pc   *ProxyConn
		lerr error
	)
	if err := s.do(func() {
		pc, lerr = s.registry.FindByID(id)
		if lerr == nil {
			s.remove(id)
		}
	}); err != nil {
		return err
	}
	if lerr != nil {
		obs.ErrorsTotal.WithLabelValues("proxy_not_found").Inc()
		return lerr
	}

	start := proto.NewMessage(proto.TypeStartProxy, nil, nil)
	if err := proto.WriteMessage(dc, start); err != nil {
		obs.ErrorsTotal.WithLabelValues("start_proxy").Inc()
		s.closeProxy(pc, ReasonPairFailed)
		return fmt.Errorf("write start_proxy: %w", err)
	}
	s.publish(EventStartProxy, start)
	return s.splice(pc, dc)
}

func (s *Server) splice(pc *ProxyConn, dc net.Conn) error {
	started := time.Now()
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = pc.Close()
			_ = dc.Close()
			obs.SpliceDurationSeconds.Observe(time.Since(started).Seconds())
			obs.Debug("tunnel.splice.closed", obs.Fields{"id": pc.ID(), "tunnel": s.desc.String()})
		})
	}
	buffered := len(pc.BufferedBytes())
	if err := pc.Resume(dc, func(error) { closeBoth() }); err != nil {
		closeBoth()
		obs.ErrorsTotal.WithLabelValues("resume").Inc()
		return err
	}
	obs.ProxyPairedTotal.Inc()
	obs.Info("tunnel.paired", obs.Fields{"id": pc.ID(), "tunnel": s.desc.String(), "initial_bytes": buffered})
	go func() {
		_, _ = io.Copy(pc.Conn(), dc)
		closeBoth()
	}()
	return nil
}

// HandleProxyConnectionTimeout closes every waiting connection that has
// waited longer than the configured timeout. The sweep ticker calls it; it can
// also be called directly.
func (s *Server) HandleProxyConnectionTimeout() error {
	return s.do(s.sweep)
}

func (s *Server) sweep() {
	for _, pc := range s.registry.SweepExpired(s.opts.WaitTimeout, s.opts.Now()) {
		obs.PendingProxies.Dec()
		obs.ProxyTimeoutTotal.Inc()
		obs.Info("proxy.timeout", obs.Fields{"id": pc.ID(), "tunnel": s.desc.String(), "timeout": s.opts.WaitTimeout.String()})
		s.closeProxyAsync(pc, ReasonWaitTimeout)
	}
}

// Close closes every pending connection, stops the sweep loop and the
// listeners. It is idempotent.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		lns := s.lns
		s.lns = nil
		s.mu.Unlock()

		close(s.quit)
		<-s.loopDone
		s.closing.Wait()
		for _, ln := range lns {
			if err := ln.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
		s.opts.Limiter.Forget(s.desc.String())
		obs.TunnelServers.Dec()
		obs.Info("tunnel.closed", obs.Fields{"tunnel": s.desc.String()})
	})
	return s.closeErr
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) loop() {
	defer close(s.loopDone)
	t := time.NewTicker(s.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case fn := <-s.calls:
			fn()
		case <-t.C:
			s.sweep()
		case <-s.quit:
			for _, pc := range s.registry.All() {
				s.remove(pc.ID())
				s.closeProxyAsync(pc, ReasonServerClosed)
			}
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (s *Server) do(fn func()) error {
	done := make(chan struct{})
	select {
	case s.calls <- func() { defer close(done); fn() }:
	case <-s.loopDone:
		return ErrServerClosed
	}
	<-done
	return nil
}

func (s *Server) insert(pc *ProxyConn) error {
	var ierr error
	if err := s.do(func() {
		if ierr = s.registry.Insert(pc); ierr == nil {
			obs.PendingProxies.Inc()
		}
	}); err != nil {
		return err
	}
	return ierr
}

// loop goroutine only.
func (s *Server) remove(id string) bool {
	if !s.registry.RemoveByID(id) {
		return false
	}
	obs.PendingProxies.Dec()
	return true
}

func (s *Server) drop(pc *ProxyConn, reason CloseReason) {
	_ = s.do(func() {
		if s.remove(pc.ID()) {
			s.closeProxyAsync(pc, reason)
		}
	})
}

// closeProxyAsync runs the closer off the loop goroutine; closers may write
// to slow peers. Loop goroutine only.
func (s *Server) closeProxyAsync(pc *ProxyConn, reason CloseReason) {
	s.closing.Add(1)
	go func() {
		defer s.closing.Done()
		s.closeProxy(pc, reason)
	}()
}

func (s *Server) closeProxy(pc *ProxyConn, reason CloseReason) {
	if err := s.closer.CloseProxyConnection(pc, reason); err != nil && !errors.Is(err, net.ErrClosed) {
		obs.Debug("proxy.close", obs.Fields{"id": pc.ID(), "reason": string(reason), "err": err.Error()})
	}
}

func (s *Server) publish(event string, msg *proto.Message) {
	defer func() {
		if r := recover(); r != nil {
			obs.Error("bus.publish.panic", obs.Fields{"event": event, "panic": fmt.Sprint(r)})
		}
	}()
	s.opts.Publisher.Publish(event, obs.Fields{"tunnel": s.desc.String(), "message": msg})
}
