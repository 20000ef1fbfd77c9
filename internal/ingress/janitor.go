package ingress

import (
	"context"
	"errors"
	"time"
)

const janitorOpTimeout = 10 * time.Second

// runJanitor expires silent tunnels, purges long-offline records and evicts
// idle cache and limiter entries until ctx is done.
func (s *Server) runJanitor(ctx context.Context) {
	heartbeatTicker := time.NewTicker(s.cfg.HeartbeatCheckInterval)
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	limiterTicker := time.NewTicker(limiterIdleAge)
	defer heartbeatTicker.Stop()
	defer cleanupTicker.Stop()
	defer limiterTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			s.expireStale(ctx)
			s.lookups.Cleanup()
		case <-cleanupTicker.C:
			s.purgeOffline(ctx)
		case <-limiterTicker.C:
			s.limiter.cleanup()
		}
	}
}

// expireStale flips tunnels without a recent heartbeat to offline and drops
// their cached lookups and request credentials.
func (s *Server) expireStale(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, janitorOpTimeout)
	defer cancel()
	ids, err := s.store.ExpireStale(opCtx, s.now().Add(-s.cfg.HeartbeatTimeout))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("expire stale tunnels failed", "err", err)
		}
		return
	}
	for _, id := range ids {
		s.lookups.Invalidate(id)
		s.creds.Forget(id)
	}
	if len(ids) > 0 {
		s.log.Info("tunnels marked offline", "count", len(ids), "tunnel_ids", ids)
	}
}

func (s *Server) purgeOffline(ctx context.Context) {
	if s.cfg.OfflineRetention <= 0 {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, janitorOpTimeout)
	defer cancel()
	ids, err := s.store.PurgeOffline(opCtx, s.now().Add(-s.cfg.OfflineRetention), purgeBatchLimit)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("purge offline tunnels failed", "err", err)
		}
		return
	}
	for _, id := range ids {
		s.lookups.Invalidate(id)
	}
	if len(ids) > 0 {
		s.log.Info("purged offline tunnels", "count", len(ids))
	}
}
