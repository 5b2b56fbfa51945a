package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"setlist-sync/internal/setlist"
	"setlist-sync/internal/store"
)

func (s *Store) GetSetlist(ctx context.Context, id string) (*setlist.Setlist, error) {
	var sl setlist.Setlist
	err := s.db.QueryRow(ctx, `
		SELECT id, owner_id, title, description, target_time, is_public, is_demo, created_at, updated_at
		FROM setlists
		WHERE id = $1
	`, id).Scan(&sl.ID, &sl.OwnerID, &sl.Title, &sl.Description, &sl.TargetTime,
		&sl.IsPublic, &sl.IsDemo, &sl.CreatedAt, &sl.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get setlist: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT user_id, permission, joined_at
		FROM setlist_shares
		WHERE setlist_id = $1
		ORDER BY joined_at, user_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get setlist shares: %w", err)
	}
	defer rows.Close()

	sl.SharedWith = []setlist.Share{}
	for rows.Next() {
		var sh setlist.Share
		var perm string
		if err := rows.Scan(&sh.UserID, &perm, &sh.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		sh.Permission = setlist.Permission(perm)
		sl.SharedWith = append(sl.SharedWith, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get setlist shares: %w", err)
	}
	return &sl, nil
}

func (s *Store) CreateSetlist(ctx context.Context, sl setlist.Setlist) (string, error) {
	created, id, err := s.insertSetlist(ctx, sl)
	if err != nil {
		return "", err
	}
	if !created {
		return "", fmt.Errorf("setlist %s: %w", id, store.ErrConflict)
	}
	return id, nil
}

func (s *Store) CreateSetlistIfAbsent(ctx context.Context, sl setlist.Setlist) (bool, error) {
	created, _, err := s.insertSetlist(ctx, sl)
	return created, err
}

func (s *Store) insertSetlist(ctx context.Context, sl setlist.Setlist) (bool, string, error) {
	if sl.ID == "" {
		sl.ID = uuid.NewString()
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO setlists (id, owner_id, title, description, target_time, is_public, is_demo)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, sl.ID, sl.OwnerID, sl.Title, sl.Description, sl.TargetTime, sl.IsPublic, sl.IsDemo)
	if err != nil {
		return false, sl.ID, fmt.Errorf("insert setlist: %w", err)
	}
	created := tag.RowsAffected() == 1
	if created {
		s.publish(ctx, "setlist.created", sl.ID, setlistChannel(sl.ID))
	}
	return created, sl.ID, nil
}

func (s *Store) UpdateTargetTime(ctx context.Context, id string, seconds int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE setlists
		SET target_time = $2, updated_at = now()
		WHERE id = $1
	`, id, seconds)
	if err != nil {
		return fmt.Errorf("update target time: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	s.publish(ctx, "setlist.updated", id, setlistChannel(id))
	return nil
}

// SetShares replaces the share list. Users already present keep their
// joined_at.
func (s *Store) SetShares(ctx context.Context, id string, shares []setlist.Share) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("set shares begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockSetlist(ctx, tx, id); err != nil {
		return err
	}

	keep := make([]string, 0, len(shares))
	for _, sh := range shares {
		keep = append(keep, sh.UserID)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM setlist_shares
		WHERE setlist_id = $1 AND NOT (user_id = ANY($2))
	`, id, keep); err != nil {
		return fmt.Errorf("set shares delete: %w", err)
	}

	for _, sh := range shares {
		if _, err := tx.Exec(ctx, `
			INSERT INTO setlist_shares (setlist_id, user_id, permission, joined_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (setlist_id, user_id) DO UPDATE SET permission = EXCLUDED.permission
		`, id, sh.UserID, string(sh.Permission), sh.JoinedAt); err != nil {
			return fmt.Errorf("set shares upsert: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE setlists SET updated_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("set shares touch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("set shares commit: %w", err)
	}

	s.publish(ctx, "setlist.shared", id, setlistChannel(id))
	return nil
}

func (s *Store) WatchSetlist(ctx context.Context, id string) (<-chan store.SetlistSnapshot, error) {
	return watch(ctx, s, setlistChannel(id),
		func(ctx context.Context) (store.SetlistSnapshot, error) {
			sl, err := s.GetSetlist(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				return store.SetlistSnapshot{}, nil
			}
			return store.SetlistSnapshot{Setlist: sl}, err
		},
		func(err error) store.SetlistSnapshot { return store.SetlistSnapshot{Err: err} },
	)
}

// lockSetlist serialises structural changes to one setlist's items.
func lockSetlist(ctx context.Context, tx pgx.Tx, id string) error {
	var got string
	err := tx.QueryRow(ctx, `SELECT id FROM setlists WHERE id = $1 FOR UPDATE`, id).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock setlist: %w", err)
	}
	return nil
}
