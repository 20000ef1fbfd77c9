package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/koltyakov/exposebus/internal/domain"
)

const (
	pepperSetting = "api_key_pepper"

	apiKeyColumns = `k.id, k.name, k.key_hash, k.created_at, k.revoked_at, k.tunnel_limit,
	(SELECT COUNT(1) FROM tunnels t WHERE t.owner = k.id),
	(SELECT COUNT(1) FROM tunnels t WHERE t.owner = k.id AND t.status = 'online')`
)

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var (
		k       domain.APIKey
		revoked sql.NullTime
	)
	if err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.CreatedAt, &revoked, &k.TunnelLimit, &k.Tunnels, &k.Online); err != nil {
		return domain.APIKey{}, err
	}
	if revoked.Valid {
		v := revoked.Time
		k.RevokedAt = &v
	}
	return k, nil
}

// IssueAPIKey stores a new key allowed to own at most quota tunnels; a
// negative quota is unlimited.
func (s *Store) IssueAPIKey(ctx context.Context, name, keyHash string, quota int) (domain.APIKey, error) {
	id, err := newID("k")
	if err != nil {
		return domain.APIKey{}, err
	}
	if quota < 0 {
		quota = -1
	}
	k := domain.APIKey{ID: id, Name: name, KeyHash: keyHash, CreatedAt: s.now(), TunnelLimit: quota}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys(id, name, key_hash, created_at, tunnel_limit) VALUES(?, ?, ?, ?, ?)`,
		k.ID, k.Name, k.KeyHash, k.CreatedAt, k.TunnelLimit); err != nil {
		return domain.APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	return k, nil
}

// ListAPIKeys returns every key, newest first, with its tunnel usage.
func (s *Store) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys k ORDER BY k.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func tunnelQuota(ctx context.Context, q rowQuerier, owner string) (domain.APIKey, error) {
	k, err := scanAPIKey(q.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys k WHERE k.id = ?`, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, domain.ErrAPIKeyNotFound
	}
	return k, err
}

// checkTunnelLimit fails when owner has no room for another tunnel. Owners
// without a key row are unlimited.
func checkTunnelLimit(ctx context.Context, tx *sql.Tx, owner string) error {
	k, err := tunnelQuota(ctx, tx, owner)
	if errors.Is(err, domain.ErrAPIKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if k.RemainingTunnels() == 0 {
		return domain.ErrTunnelLimitReached
	}
	return nil
}

// RevokeAPIKey disables the key and takes every tunnel it owns offline,
// returning their ids. Records are kept so the ids stay reserved for the
// owner. Unknown or already revoked keys report [domain.ErrAPIKeyNotFound].
func (s *Store) RevokeAPIKey(ctx context.Context, id string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, s.now(), id)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrAPIKeyNotFound, id)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM tunnels WHERE owner = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	var tunnels []string
	for rows.Next() {
		var tid string
		if err := rows.Scan(&tid); err != nil {
			_ = rows.Close()
			return nil, err
		}
		tunnels = append(tunnels, tid)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tunnels SET status = ? WHERE owner = ?`, domain.TunnelStatusOffline, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, tid := range tunnels {
		s.forgetHeartbeat(id, tid)
	}
	return tunnels, nil
}

// ResolveAPIKeyID maps a key hash to its owning key id. Revoked and unknown
// keys report [domain.ErrUnauthorized].
func (s *Store) ResolveAPIKeyID(ctx context.Context, keyHash string) (string, error) {
	var id string
	var err error
	if stmt := s.resolveAPIKeyIDStmt; stmt != nil {
		err = stmt.QueryRowContext(ctx, keyHash).Scan(&id)
	} else {
		err = s.db.QueryRowContext(ctx, resolveAPIKeyIDQuery, keyHash).Scan(&id)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrUnauthorized
	}
	return id, err
}

// GetServerPepper returns the persisted API key pepper, if any.
func (s *Store) GetServerPepper(ctx context.Context) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM server_settings WHERE key = ?`, pepperSetting).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return v, true, nil
}

// ResolveServerPepper persists suggested on first use. Afterwards a
// non-empty suggestion must match the stored pepper, since every key hash
// depends on it.
func (s *Store) ResolveServerPepper(ctx context.Context, suggested string) (string, error) {
	suggested = strings.TrimSpace(suggested)
	current, ok, err := s.GetServerPepper(ctx)
	if err != nil {
		return "", err
	}
	if ok {
		if suggested != "" && suggested != current {
			return "", errors.New("provided api key pepper does not match database")
		}
		return current, nil
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO server_settings(key, value) VALUES(?, ?)`, pepperSetting, suggested); err != nil {
		return "", err
	}
	return suggested, nil
}
