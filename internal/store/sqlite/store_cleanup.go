package sqlite

import (
	"context"
	"time"

	"github.com/koltyakov/exposebus/internal/domain"
)

// PurgeOffline deletes up to limit offline tunnels whose last heartbeat (or
// creation, if they never heartbeated) is before olderThan.
func (s *Store) PurgeOffline(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultPurgeLimit
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT id
FROM tunnels
WHERE status = ? AND COALESCE(last_heartbeat, created_at) < ?
ORDER BY COALESCE(last_heartbeat, created_at) ASC
LIMIT ?`, domain.TunnelStatusOffline, olderThan.UTC(), limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err = tx.ExecContext(ctx, `DELETE FROM tunnels WHERE id = ? AND status = ?`, id, domain.TunnelStatusOffline); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}
