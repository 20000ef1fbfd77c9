package domain

import "time"

// RegisterRequest is the JSON body sent by an agent to claim a tunnel
// identifier and obtain its durable credential.
type RegisterRequest struct {
	TunnelID     string `json:"tunnel_id"`
	TargetPort   int    `json:"target_port"`
	AgentVersion string `json:"agent_version,omitempty"`
}

// RegisterResponse is returned by the control API on successful
// registration.
type RegisterResponse struct {
	TunnelID     string    `json:"tunnel_id"`
	PublicURL    string    `json:"public_url"`
	RequestTopic string    `json:"request_topic"`
	Credential   string    `json:"credential"`
	Capability   string    `json:"capability"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TunnelView is the JSON representation of a [TunnelRecord] in control API
// listings.
type TunnelView struct {
	ID            string     `json:"id"`
	TargetPort    int        `json:"target_port"`
	Status        string     `json:"status"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ErrorResponse is the JSON body returned by the control API for
// structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

// ViewOf converts a record for the control API.
func ViewOf(t TunnelRecord) TunnelView {
	return TunnelView{
		ID:            t.ID,
		TargetPort:    t.TargetPort,
		Status:        t.Status,
		LastHeartbeat: t.LastHeartbeat,
		CreatedAt:     t.CreatedAt,
	}
}
