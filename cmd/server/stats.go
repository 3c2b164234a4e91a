package main

import (
	"fmt"
	"time"
)

// Stats represents current server stats for dashboards & API.
type Stats struct {
	Clients      int           `json:"clients"`
	Tunnels      int           `json:"tunnels"`
	Pending      int           `json:"pending"`
	TotalTunnels int64         `json:"total_tunnels"`
	TunnelList   []TunnelStats `json:"tunnel_list"`
	Now          string        `json:"now"`
}

type TunnelStats struct {
	Tunnel   string `json:"tunnel"`
	ClientID string `json:"client_id"`
	Listen   string `json:"listen"`
	Pending  int    `json:"pending"`
}

func (t TunnelStats) String() string {
	return fmt.Sprintf("%s %s client=%s pending=%d", t.Tunnel, t.Listen, t.ClientID, t.Pending)
}

func collectStats(clients int, total int64, tunnels []*tunnelEntry) Stats {
	st := Stats{Clients: clients, Tunnels: len(tunnels), TotalTunnels: total, Now: time.Now().UTC().Format(time.RFC3339)}
	for _, t := range tunnels {
		listen := t.server.ListenAddress()
		if a := t.server.Addr(); a != nil {
			listen = a.String()
		}
		ts := TunnelStats{
			Tunnel:   t.server.Descriptor().String(),
			ClientID: t.clientID,
			Listen:   listen,
			Pending:  t.server.Pending(),
		}
		st.Pending += ts.Pending
		st.TunnelList = append(st.TunnelList, ts)
	}
	return st
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	list := make([]string, 0, len(s.TunnelList))
	for _, t := range s.TunnelList {
		list = append(list, t.String())
	}
	return map[string]any{
		"Clients":    s.Clients,
		"Tunnels":    s.Tunnels,
		"Pending":    s.Pending,
		"Total":      s.TotalTunnels,
		"TunnelList": list,
	}
}
