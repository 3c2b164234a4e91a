package main

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matst80/revtun/internal/obs"
	"github.com/matst80/revtun/internal/tunnelserver"
)

type serverState struct {
	mu           sync.Mutex
	clients      map[string]*clientSession // client id -> session
	ports        map[int]*tunnelEntry      // server port -> tunnel
	closing      bool
	ready        bool
	totalTunnels int64
}

func newServerState() *serverState {
	return &serverState{clients: make(map[string]*clientSession), ports: make(map[int]*tunnelEntry)}
}

var _ StateStore = (*serverState)(nil)

func (s *serverState) setClosing(closing bool) { s.mu.Lock(); s.closing = closing; s.mu.Unlock() }
func (s *serverState) setReady(ready bool)     { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }
func (s *serverState) isClosing() bool         { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }
func (s *serverState) isReady() bool           { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }

func (s *serverState) registerClient(sess *clientSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clients[sess.id]; exists {
		return fmt.Errorf("%w: %s", ErrClientExists, sess.id)
	}
	s.clients[sess.id] = sess
	obs.ActiveClients.Set(float64(len(s.clients)))
	return nil
}

func (s *serverState) getClient(id string) *clientSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[id]
}

func (s *serverState) touchClient(id string) {
	s.mu.Lock()
	if sess, ok := s.clients[id]; ok {
		sess.lastSeen = time.Now()
	}
	s.mu.Unlock()
}

func (s *serverState) removeClient(id string) []*tunnelserver.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, id)
	var owned []*tunnelserver.Server
	for port, t := range s.ports {
		if t.clientID == id {
			owned = append(owned, t.server)
			delete(s.ports, port)
		}
	}
	obs.ActiveClients.Set(float64(len(s.clients)))
	return owned
}

func (s *serverState) claimTunnel(clientID string, srv *tunnelserver.Server) error {
	port := srv.Descriptor().Port()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[clientID]; !ok {
		return fmt.Errorf("claim port %d: unknown client %s", port, clientID)
	}
	if _, taken := s.ports[port]; taken {
		return fmt.Errorf("%w: %d", ErrPortInUse, port)
	}
	s.ports[port] = &tunnelEntry{clientID: clientID, server: srv}
	s.totalTunnels++
	return nil
}

func (s *serverState) getTunnel(port int) *tunnelEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports[port]
}

func (s *serverState) releaseTunnel(port int) {
	s.mu.Lock()
	delete(s.ports, port)
	s.mu.Unlock()
}

// tunnels returns the registered tunnels ordered by port.
func (s *serverState) tunnels() []*tunnelEntry {
	s.mu.Lock()
	out := make([]*tunnelEntry, 0, len(s.ports))
	for _, t := range s.ports {
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].server.Descriptor().Port() < out[j].server.Descriptor().Port()
	})
	return out
}

func (s *serverState) getStats() Stats {
	s.mu.Lock()
	clients := len(s.clients)
	total := s.totalTunnels
	s.mu.Unlock()
	// Pending() goes through each server's loop, so it runs without s.mu held.
	return collectStats(clients, total, s.tunnels())
}
