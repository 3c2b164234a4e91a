package main

import "github.com/matst80/revtun/internal/tunnelserver"

// StateStore abstracts server state management to allow horizontal scaling.
// Tunnel servers are always local; a shared backend only coordinates which
// instance owns a client or a port.
type StateStore interface {
	registerClient(sess *clientSession) error
	getClient(id string) *clientSession
	touchClient(id string)
	// removeClient forgets the client and returns the tunnel servers it owned;
	// the caller closes them.
	removeClient(id string) []*tunnelserver.Server
	claimTunnel(clientID string, srv *tunnelserver.Server) error
	getTunnel(port int) *tunnelEntry
	releaseTunnel(port int)
	tunnels() []*tunnelEntry
	setClosing(closing bool)
	setReady(ready bool)
	isClosing() bool
	isReady() bool
	getStats() Stats
}
