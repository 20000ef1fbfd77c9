// Package registry defines the tunnel registry boundary consumed by the
// ingress and agent, with a lookup cache and an HTTP client for the control
// API.
package registry

import (
	"context"
	"time"

	"github.com/koltyakov/exposebus/internal/domain"
)

// Lookuper resolves a tunnel identifier. Unknown identifiers report
// [domain.ErrTunnelNotFound].
type Lookuper interface {
	Lookup(ctx context.Context, id string) (domain.TunnelRecord, error)
}

// Registry is the full tunnel record store.
type Registry interface {
	Lookuper
	Register(ctx context.Context, owner, id string, targetPort int, status string) (domain.TunnelRecord, error)
	Heartbeat(ctx context.Context, owner, id string) error
	SetStatus(ctx context.Context, owner, id, status string) error
	ListByOwner(ctx context.Context, owner string) ([]domain.TunnelRecord, error)
	Delete(ctx context.Context, owner, id string) error
	ExpireStale(ctx context.Context, olderThan time.Time) ([]string, error)
}
