package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/koltyakov/exposebus/internal/domain"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTunnel(row rowScanner) (domain.TunnelRecord, error) {
	var (
		t  domain.TunnelRecord
		hb sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.Owner, &t.TargetPort, &t.Status, &hb, &t.CreatedAt); err != nil {
		return domain.TunnelRecord{}, err
	}
	if hb.Valid {
		v := hb.Time
		t.LastHeartbeat = &v
	}
	return t, nil
}

// Lookup returns the record for id or [domain.ErrTunnelNotFound].
func (s *Store) Lookup(ctx context.Context, id string) (domain.TunnelRecord, error) {
	var row *sql.Row
	if stmt := s.lookupTunnelStmt; stmt != nil {
		row = stmt.QueryRowContext(ctx, id)
	} else {
		row = s.db.QueryRowContext(ctx, lookupTunnelQuery, id)
	}
	t, err := scanTunnel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TunnelRecord{}, domain.ErrTunnelNotFound
	}
	return t, err
}

// Register creates the record for id on first registration or reclaims it
// for the same owner, with a fresh heartbeat and the given status (pending
// or online). A pending record goes online on its next heartbeat. An id held
// by another owner reports [domain.ErrTunnelExists].
func (s *Store) Register(ctx context.Context, owner, id string, targetPort int, status string) (domain.TunnelRecord, error) {
	if targetPort <= 0 || targetPort > 65535 {
		return domain.TunnelRecord{}, fmt.Errorf("invalid target port %d", targetPort)
	}
	if status != domain.TunnelStatusPending && status != domain.TunnelStatusOnline {
		return domain.TunnelRecord{}, fmt.Errorf("invalid registration status %q", status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TunnelRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	existing, err := scanTunnel(tx.QueryRowContext(ctx, lookupTunnelQuery, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := checkTunnelLimit(ctx, tx, owner); err != nil {
			return domain.TunnelRecord{}, err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO tunnels(id, owner, target_port, status, last_heartbeat, created_at)
VALUES(?, ?, ?, ?, ?, ?)`, id, owner, targetPort, status, now, now); err != nil {
			return domain.TunnelRecord{}, err
		}
		existing = domain.TunnelRecord{ID: id, Owner: owner, CreatedAt: now}
	case err != nil:
		return domain.TunnelRecord{}, err
	case existing.Owner != owner:
		return domain.TunnelRecord{}, domain.ErrTunnelExists
	default:
		if _, err := tx.ExecContext(ctx, `
UPDATE tunnels SET target_port = ?, status = ?, last_heartbeat = ? WHERE id = ?`,
			targetPort, status, now, id); err != nil {
			return domain.TunnelRecord{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.TunnelRecord{}, err
	}
	existing.TargetPort = targetPort
	existing.Status = status
	existing.LastHeartbeat = &now
	if status == domain.TunnelStatusOnline {
		s.reserveHeartbeat(owner, id, now)
	} else {
		s.forgetHeartbeat(owner, id)
	}
	return existing, nil
}

// Heartbeat records liveness for id, marking it online. Writes closer
// together than the touch interval are coalesced.
func (s *Store) Heartbeat(ctx context.Context, owner, id string) error {
	now := s.now()
	if !s.reserveHeartbeat(owner, id, now) {
		return nil
	}
	var (
		res sql.Result
		err error
	)
	if stmt := s.heartbeatStmt; stmt != nil {
		res, err = stmt.ExecContext(ctx, domain.TunnelStatusOnline, now, id, owner)
	} else {
		res, err = s.db.ExecContext(ctx, heartbeatQuery, domain.TunnelStatusOnline, now, id, owner)
	}
	if err == nil {
		var affected int64
		affected, err = res.RowsAffected()
		if err == nil && affected == 0 {
			err = s.ownershipError(ctx, id)
		}
	}
	if err != nil {
		s.rollbackHeartbeat(owner, id, now)
	}
	return err
}

func (s *Store) ownershipError(ctx context.Context, id string) error {
	if _, err := s.Lookup(ctx, id); err != nil {
		return err
	}
	return domain.ErrUnauthorized
}

// SetStatus overrides the status of owner's tunnel id. Any status other
// than online also drops its heartbeat coalescing slot so the next
// heartbeat brings it online immediately.
func (s *Store) SetStatus(ctx context.Context, owner, id, status string) error {
	if !domain.ValidTunnelStatus(status) {
		return fmt.Errorf("invalid tunnel status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tunnels SET status = ? WHERE id = ? AND owner = ?`, status, id, owner)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.ownershipError(ctx, id)
	}
	if status != domain.TunnelStatusOnline {
		s.forgetHeartbeat(owner, id)
	}
	return nil
}

// ListByOwner returns owner's tunnels ordered by id.
func (s *Store) ListByOwner(ctx context.Context, owner string) ([]domain.TunnelRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner, target_port, status, last_heartbeat, created_at
FROM tunnels
WHERE owner = ?
ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.TunnelRecord
	for rows.Next() {
		t, err := scanTunnel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Delete removes owner's record for id.
func (s *Store) Delete(ctx context.Context, owner, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tunnels WHERE id = ? AND owner = ?`, id, owner)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.ownershipError(ctx, id)
	}
	s.forgetHeartbeat(owner, id)
	return nil
}

// ExpireStale flips online and pending tunnels whose last heartbeat is
// before olderThan to offline and returns their ids.
func (s *Store) ExpireStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT id, owner FROM tunnels
WHERE status IN (?, ?) AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		domain.TunnelStatusOnline, domain.TunnelStatusPending, olderThan.UTC())
	if err != nil {
		return nil, err
	}
	var ids []any
	var out, owners []string
	for rows.Next() {
		var id, owner string
		if err := rows.Scan(&id, &owner); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		out = append(out, id)
		owners = append(owners, owner)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		placeholders := strings.Repeat("?,", len(ids))
		placeholders = placeholders[:len(placeholders)-1]
		args := append([]any{domain.TunnelStatusOffline}, ids...)
		if _, err := tx.ExecContext(ctx, `UPDATE tunnels SET status = ? WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for i, id := range out {
		s.forgetHeartbeat(owners[i], id)
	}
	return out, nil
}
