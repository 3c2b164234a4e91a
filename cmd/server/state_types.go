package main

import (
	"errors"
	"time"

	"github.com/matst80/revtun/internal/proto"
	"github.com/matst80/revtun/internal/tunnelserver"
)

var (
	ErrClientExists = errors.New("client already registered")
	ErrPortInUse    = errors.New("tunnel port already claimed")
	ErrUnknownPort  = errors.New("no tunnel on port")
)

// clientSession represents an authenticated control connection.
// conn is only valid for the local instance that accepted it.
type clientSession struct {
	id       string
	conn     *proto.Conn
	remote   string
	lastSeen time.Time
}

// tunnelEntry binds a running tunnel server to the client that registered it.
type tunnelEntry struct {
	clientID string
	server   *tunnelserver.Server
}
