package tunnelserver

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/matst80/revtun/internal/obs"
	"github.com/matst80/revtun/internal/proto"
	"github.com/matst80/revtun/internal/ratelimit"
	"github.com/matst80/revtun/internal/tunnel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeControl struct {
	msgs chan *proto.Message
	err  error
}

func newFakeControl() *fakeControl { return &fakeControl{msgs: make(chan *proto.Message, 16)} }

func (f *fakeControl) WriteMessage(m *proto.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs <- m
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingBus struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBus) Publish(event string, _ obs.Fields) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

func (b *recordingBus) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

func seqIDs(ids ...string) func() string {
	var mu sync.Mutex
	i := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func testDescriptor(p tunnel.Protocol) tunnel.Descriptor {
	return tunnel.Descriptor{Protocol: p, ServerPort: 0, LocalAddr: "127.0.0.1:3000"}
}

func startServer(t *testing.T, closer ProxyCloser, opts Options) (*Server, *fakeControl) {
	t.Helper()
	ctrl := newFakeControl()
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	desc := testDescriptor(tunnel.ProtocolTCP)
	if _, ok := closer.(HTTPCloser); ok {
		desc.Protocol = tunnel.ProtocolHTTP
	}
	s := New(desc, ctrl, closer, opts)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Run())
	return s, ctrl
}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func waitRequest(t *testing.T, ctrl *fakeControl) *proto.Message {
	t.Helper()
	select {
	case m := <-ctrl.msgs:
		return m
	case <-time.After(eventually):
		t.Fatal("no request_proxy written to the control connection")
	}
	return nil
}

func lookup(s *Server, id string) *ProxyConn {
	var pc *ProxyConn
	_ = s.do(func() { pc, _ = s.registry.FindByID(id) })
	return pc
}

func waitState(t *testing.T, s *Server, id string, want State) *ProxyConn {
	t.Helper()
	var pc *ProxyConn
	require.Eventually(t, func() bool {
		pc = lookup(s, id)
		return pc != nil && pc.State() == want
	}, eventually, tick)
	return pc
}

func readN(t *testing.T, r io.Reader, n int) string {
	t.Helper()
	b := make([]byte, n)
	_, err := io.ReadFull(r, b)
	require.NoError(t, err)
	return string(b)
}

func expectEOF(t *testing.T, c net.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(eventually)))
	_, err := io.ReadAll(c)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection was not closed")
	}
}

func TestPairingReplaysBufferedBytesFirst(t *testing.T) {
	bus := &recordingBus{}
	s, ctrl := startServer(t, TCPCloser{}, Options{NewID: seqIDs("p1"), Publisher: bus})

	public := dial(t, s.Addr())
	req := waitRequest(t, ctrl)
	assert.Equal(t, proto.TypeRequestProxy, req.Type)
	assert.Equal(t, "p1", req.Header(proto.HeaderProxyConnectionID))
	assert.Equal(t, "tcp", req.Payload["protocol"])
	assert.Equal(t, "127.0.0.1:3000", req.Payload["local_addr"])

	pc := waitState(t, s, "p1", StateWaiting)
	_, err := public.Write([]byte("early-"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return string(pc.BufferedBytes()) == "early-" }, eventually, tick)

	agent, dc := tcpPair(t)
	require.NoError(t, s.RegisterTunnelConnection(dc, proto.NewMessage(proto.TypeRegisterProxy, nil, map[string]string{proto.HeaderProxyConnectionID: "p1"})))
	assert.Equal(t, 0, s.Pending())

	rd := bufio.NewReader(agent)
	start, err := proto.ReadMessage(rd)
	require.NoError(t, err)
	assert.Equal(t, proto.TypeStartProxy, start.Type)

	_, err = public.Write([]byte("late"))
	require.NoError(t, err)
	assert.Equal(t, "early-late", readN(t, rd, len("early-late")))

	_, err = agent.Write([]byte("reply"))
	require.NoError(t, err)
	assert.Equal(t, "reply", readN(t, public, len("reply")))

	assert.Equal(t, []string{EventRequestProxy, EventStartProxy}, bus.Events())

	// the same id cannot be paired twice
	_, dc2 := tcpPair(t)
	err = s.RegisterTunnelConnection(dc2, proto.NewMessage(proto.TypeRegisterProxy, nil, map[string]string{proto.HeaderProxyConnectionID: "p1"}))
	assert.ErrorIs(t, err, ErrProxyNotFound)
}

func TestUnknownIDLeavesRegistryUntouched(t *testing.T) {
	s, ctrl := startServer(t, TCPCloser{}, Options{NewID: seqIDs("p1")})
	dial(t, s.Addr())
	waitRequest(t, ctrl)
	waitState(t, s, "p1", StateWaiting)

	agent, dc := tcpPair(t)
	err := s.RegisterTunnelConnection(dc, proto.NewMessage(proto.TypeRegisterProxy, nil, map[string]string{proto.HeaderProxyConnectionID: "ghost"}))
	assert.ErrorIs(t, err, ErrProxyNotFound)
	assert.Equal(t, 1, s.Pending())

	require.NoError(t, agent.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	n, err := agent.Read(make([]byte, 1))
	assert.Zero(t, n, "no start_proxy may be sent")
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())

	err = s.RegisterTunnelConnection(dc, proto.NewMessage(proto.TypeRegisterProxy, nil, nil))
	assert.ErrorIs(t, err, ErrProxyNotFound)
}

func TestWaitTimeoutClosesAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Unix(10000, 0)}
	s, ctrl := startServer(t, TCPCloser{}, Options{
		NewID:         seqIDs("p1"),
		Now:           clock.Now,
		WaitTimeout:   60 * time.Second,
		SweepInterval: time.Hour,
	})
	public := dial(t, s.Addr())
	waitRequest(t, ctrl)
	waitState(t, s, "p1", StateWaiting)

	clock.Advance(60 * time.Second)
	require.NoError(t, s.HandleProxyConnectionTimeout())
	assert.Equal(t, 1, s.Pending(), "exactly the threshold is not expired")

	clock.Advance(time.Second)
	require.NoError(t, s.HandleProxyConnectionTimeout())
	assert.Equal(t, 0, s.Pending())
	expectEOF(t, public)

	_, dc := tcpPair(t)
	err := s.RegisterTunnelConnection(dc, proto.NewMessage(proto.TypeRegisterProxy, nil, map[string]string{proto.HeaderProxyConnectionID: "p1"}))
	assert.ErrorIs(t, err, ErrProxyNotFound, "a timed out connection is never paired")
}

func TestSweepTickerReclaims(t *testing.T) {
	s, ctrl := startServer(t, TCPCloser{}, Options{WaitTimeout: 10 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	public := dial(t, s.Addr())
	waitRequest(t, ctrl)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, eventually, tick)
	expectEOF(t, public)
}

func TestHTTPVariantAnswersTimeoutWithGatewayTimeout(t *testing.T) {
	clock := &fakeClock{t: time.Unix(10000, 0)}
	desc := testDescriptor(tunnel.ProtocolHTTP)
	s, ctrl := startServer(t, HTTPCloser{Descriptor: desc}, Options{NewID: seqIDs("h1"), Now: clock.Now, SweepInterval: time.Hour})
	public := dial(t, s.Addr())
	waitRequest(t, ctrl)
	waitState(t, s, "h1", StateWaiting)
	_, err := public.Write([]byte("GET / HTTP/1.1\r\nHost: demo\r\n\r\n"))
	require.NoError(t, err)

	clock.Advance(DefaultWaitTimeout + time.Second)
	require.NoError(t, s.HandleProxyConnectionTimeout())

	resp, err := http.ReadResponse(bufio.NewReader(public), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestCloseTearsDownPending(t *testing.T) {
	s, ctrl := startServer(t, TCPCloser{}, Options{NewID: seqIDs("a", "b")})
	a := dial(t, s.Addr())
	waitRequest(t, ctrl)
	b := dial(t, s.Addr())
	waitRequest(t, ctrl)
	require.Eventually(t, func() bool { return s.Pending() == 2 }, eventually, tick)
	addr := s.Addr()

	require.NoError(t, s.Close())
	expectEOF(t, a)
	expectEOF(t, b)
	assert.Equal(t, 0, s.Pending())
	assert.NoError(t, s.Close())

	assert.ErrorIs(t, s.Run(), ErrServerClosed)
	assert.ErrorIs(t, s.HandleProxyConnectionTimeout(), ErrServerClosed)
	_, dc := tcpPair(t)
	assert.ErrorIs(t, s.RegisterTunnelConnection(dc, proto.NewMessage(proto.TypeRegisterProxy, nil, map[string]string{proto.HeaderProxyConnectionID: "a"})), ErrServerClosed)

	_, err := net.DialTimeout("tcp", addr.String(), 200*time.Millisecond)
	assert.Error(t, err, "listener must be closed")
}

func TestCloseWithEmptyRegistry(t *testing.T) {
	s := NewTCP(testDescriptor(tunnel.ProtocolTCP), newFakeControl(), Options{})
	assert.NoError(t, s.Close())
	assert.Nil(t, s.Addr())
}

func TestRunReportsBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	desc := tunnel.Descriptor{Protocol: tunnel.ProtocolTCP, ServerPort: busy.Addr().(*net.TCPAddr).Port}
	s := NewForDescriptor(desc, newFakeControl(), Options{Host: "127.0.0.1"})
	defer s.Close()
	err = s.Run()
	assert.ErrorIs(t, err, ErrListenBind)

	s2 := NewTCP(desc, newFakeControl(), Options{Listen: func(string, string) (net.Listener, error) {
		return nil, errors.New("no sockets")
	}})
	defer s2.Close()
	err = s2.Run()
	assert.ErrorIs(t, err, ErrListenBind)
	assert.ErrorContains(t, err, "no sockets")
}

func TestControlWriteFailureDropsConnection(t *testing.T) {
	ctrl := newFakeControl()
	ctrl.err = errors.New("control gone")
	s := NewTCP(testDescriptor(tunnel.ProtocolTCP), ctrl, Options{Host: "127.0.0.1"})
	defer s.Close()
	require.NoError(t, s.Run())

	public := dial(t, s.Addr())
	expectEOF(t, public)
	assert.Equal(t, 0, s.Pending())
}

func TestPublicCloseBeforePairingRemovesEntry(t *testing.T) {
	s, ctrl := startServer(t, TCPCloser{}, Options{NewID: seqIDs("p1")})
	public := dial(t, s.Addr())
	waitRequest(t, ctrl)
	waitState(t, s, "p1", StateWaiting)

	require.NoError(t, public.Close())
	require.Eventually(t, func() bool { return s.Pending() == 0 }, eventually, tick)
}

func TestClosePropagatesBothWays(t *testing.T) {
	s, ctrl := startServer(t, TCPCloser{}, Options{NewID: seqIDs("p1", "p2")})
	register := func(id string) (net.Conn, *bufio.Reader) {
		agent, dc := tcpPair(t)
		require.NoError(t, s.RegisterTunnelConnection(dc, proto.NewMessage(proto.TypeRegisterProxy, nil, map[string]string{proto.HeaderProxyConnectionID: id})))
		rd := bufio.NewReader(agent)
		_, err := proto.ReadMessage(rd)
		require.NoError(t, err)
		return agent, rd
	}

	// data channel side closes: the public side ends
	public1 := dial(t, s.Addr())
	waitRequest(t, ctrl)
	waitState(t, s, "p1", StateWaiting)
	agent1, _ := register("p1")
	require.NoError(t, agent1.Close())
	expectEOF(t, public1)

	// public side closes: the data channel ends
	public2 := dial(t, s.Addr())
	waitRequest(t, ctrl)
	waitState(t, s, "p2", StateWaiting)
	agent2, _ := register("p2")
	require.NoError(t, public2.Close())
	expectEOF(t, agent2)
}

func TestLimiterRejectsOverflow(t *testing.T) {
	s, ctrl := startServer(t, TCPCloser{}, Options{NewID: seqIDs("p1", "p2"), Limiter: ratelimit.New(0, 0.001, 1)})
	dial(t, s.Addr())
	waitRequest(t, ctrl)

	rejected := dial(t, s.Addr())
	expectEOF(t, rejected)
	assert.Equal(t, 1, s.Pending())
}

type panickingBus struct{}

func (panickingBus) Publish(string, obs.Fields) { panic("subscriber bug") }

func TestPublisherPanicDoesNotEscape(t *testing.T) {
	s, ctrl := startServer(t, TCPCloser{}, Options{NewID: seqIDs("p1"), Publisher: panickingBus{}})
	dial(t, s.Addr())
	waitRequest(t, ctrl)
	waitState(t, s, "p1", StateWaiting)
}

// stalledControl never returns from WriteMessage until released, like a
// client that is connected but stopped reading.
type stalledControl struct{ release chan struct{} }

func (c stalledControl) WriteMessage(*proto.Message) error {
	<-c.release
	return errors.New("control write aborted")
}

func countWaiting(s *Server) int {
	n := 0
	_ = s.do(func() {
		for _, pc := range s.registry.All() {
			if pc.State() == StateWaiting {
				n++
			}
		}
	})
	return n
}

func TestSweepReclaimsConnectionsBehindStalledControl(t *testing.T) {
	clock := &fakeClock{t: time.Unix(10000, 0)}
	ctrl := stalledControl{release: make(chan struct{})}
	s := NewTCP(testDescriptor(tunnel.ProtocolTCP), ctrl, Options{Host: "127.0.0.1", Now: clock.Now, SweepInterval: time.Hour})
	t.Cleanup(func() { _ = s.Close() })
	t.Cleanup(func() { close(ctrl.release) })
	require.NoError(t, s.Run())

	publics := make([]net.Conn, 5)
	for i := range publics {
		publics[i] = dial(t, s.Addr())
	}
	require.Eventually(t, func() bool { return countWaiting(s) == 5 }, eventually, tick)

	clock.Advance(10 * time.Minute)
	require.NoError(t, s.HandleProxyConnectionTimeout())
	assert.Equal(t, 0, s.Pending())
	for _, c := range publics {
		expectEOF(t, c)
	}
}

// gatedCloser holds every close until released.
type gatedCloser struct {
	entered chan string
	release chan struct{}
}

func (g gatedCloser) CloseProxyConnection(pc *ProxyConn, _ CloseReason) error {
	g.entered <- pc.ID()
	<-g.release
	return pc.Close()
}

func TestSlowCloserDoesNotStallTheLoop(t *testing.T) {
	clock := &fakeClock{t: time.Unix(10000, 0)}
	closer := gatedCloser{entered: make(chan string, 4), release: make(chan struct{})}
	s, ctrl := startServer(t, closer, Options{NewID: seqIDs("p1", "p2"), Now: clock.Now, SweepInterval: time.Hour})
	t.Cleanup(func() { close(closer.release) })

	public := dial(t, s.Addr())
	waitRequest(t, ctrl)
	waitState(t, s, "p1", StateWaiting)

	clock.Advance(DefaultWaitTimeout + time.Second)
	require.NoError(t, s.HandleProxyConnectionTimeout())
	select {
	case id := <-closer.entered:
		assert.Equal(t, "p1", id)
	case <-time.After(eventually):
		t.Fatal("closer not invoked")
	}

	// the closer is still blocked, yet the registry keeps serving
	assert.Equal(t, 0, s.Pending())
	dial(t, s.Addr())
	waitRequest(t, ctrl)
	waitState(t, s, "p2", StateWaiting)

	closer.release <- struct{}{}
	expectEOF(t, public)
}
