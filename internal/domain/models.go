// Package domain defines the core data types shared across the exposebus
// ingress, agent, registry, and relay protocol layers.
package domain

import "time"

// Tunnel status constants describe whether a tunnel can receive traffic.
const (
	// TunnelStatusPending marks a registered tunnel whose agent has not yet
	// confirmed a live request subscription with a heartbeat.
	TunnelStatusPending = "pending"
	TunnelStatusOnline  = "online"
	TunnelStatusOffline = "offline"
)

// APIKey represents a server-managed authentication key. The key ID is the
// owning principal of every tunnel registered with it.
type APIKey struct {
	ID          string
	Name        string
	KeyHash     string
	CreatedAt   time.Time
	RevokedAt   *time.Time
	TunnelLimit int // max registered tunnels; -1 = unlimited

	// Filled by key listings and quota checks.
	Tunnels int
	Online  int
}

// RemainingTunnels reports how many more tunnels the key may register, or
// -1 when it is unlimited.
func (k APIKey) RemainingTunnels() int {
	if k.TunnelLimit < 0 {
		return -1
	}
	return max(k.TunnelLimit-k.Tunnels, 0)
}

// TunnelRecord binds a public identifier (subdomain) to an agent's local
// target port.
type TunnelRecord struct {
	ID            string
	Owner         string
	TargetPort    int
	Status        string
	LastHeartbeat *time.Time
	CreatedAt     time.Time
}

// Available reports whether the tunnel should receive relayed requests at
// now. A record marked online whose last heartbeat is older than
// heartbeatTimeout is treated as offline even before the janitor flips it.
func (t TunnelRecord) Available(now time.Time, heartbeatTimeout time.Duration) bool {
	if t.Status != TunnelStatusOnline {
		return false
	}
	if heartbeatTimeout <= 0 {
		return true
	}
	if t.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*t.LastHeartbeat) <= heartbeatTimeout
}

// ValidTunnelStatus reports whether s is one of the known status values.
func ValidTunnelStatus(s string) bool {
	switch s {
	case TunnelStatusPending, TunnelStatusOnline, TunnelStatusOffline:
		return true
	}
	return false
}
