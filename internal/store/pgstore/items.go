package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"setlist-sync/internal/setlist"
	"setlist-sync/internal/store"
)

const itemColumns = `id, setlist_id, title, text, setup, punchline, notes, tags, position,
		       estimated_duration, author_id, last_edited_by, last_edited_at,
		       comment_count, created_at, updated_at`

func scanItem(row pgx.Row) (setlist.Item, error) {
	var it setlist.Item
	err := row.Scan(
		&it.ID, &it.SetlistID, &it.Title, &it.Text, &it.Setup, &it.Punchline, &it.Notes,
		&it.Tags, &it.Position, &it.EstimatedDuration, &it.AuthorID, &it.LastEditedBy,
		&it.LastEditedAt, &it.CommentCount, &it.CreatedAt, &it.UpdatedAt,
	)
	return it, err
}

func (s *Store) ListItems(ctx context.Context, setlistID string) ([]setlist.Item, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE setlist_id = $1
		ORDER BY position, created_at, id
	`, setlistID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items := []setlist.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func (s *Store) CreateItem(ctx context.Context, setlistID string, it setlist.Item) (string, error) {
	if it.EstimatedDuration <= 0 {
		it.EstimatedDuration = setlist.StoredDuration
	}
	if it.Tags == nil {
		it.Tags = []string{}
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("create item begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockSetlist(ctx, tx, setlistID); err != nil {
		return "", err
	}

	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO items (
		    setlist_id, title, text, setup, punchline, notes, tags,
		    position, estimated_duration, author_id, last_edited_by
		)
		VALUES (
		    $1, $2, $3, $4, $5, $6, $7,
		    COALESCE((SELECT MAX(position)+1 FROM items WHERE setlist_id = $1), 0),
		    $8, $9, $9
		)
		RETURNING id
	`, setlistID, it.Title, it.Text, it.Setup, it.Punchline, it.Notes, it.Tags,
		it.EstimatedDuration, it.AuthorID).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create item insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("create item commit: %w", err)
	}

	s.publish(ctx, "item.added", setlistID, itemsChannel(setlistID))
	return id, nil
}

func (s *Store) UpdateItem(ctx context.Context, setlistID, itemID string, patch setlist.ItemPatch, editorID string) error {
	sets := []string{}
	args := []any{setlistID, itemID, editorID}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Text != nil {
		add("text", *patch.Text)
	}
	if patch.Setup != nil {
		add("setup", *patch.Setup)
	}
	if patch.Punchline != nil {
		add("punchline", *patch.Punchline)
	}
	if patch.Notes != nil {
		add("notes", *patch.Notes)
	}
	if patch.Tags != nil {
		tags := *patch.Tags
		if tags == nil {
			tags = []string{}
		}
		add("tags", tags)
	}
	if patch.EstimatedDuration != nil {
		add("estimated_duration", *patch.EstimatedDuration)
	}
	if len(sets) == 0 {
		return &setlist.ValidationError{Msg: "patch has no fields"}
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE items
		SET `+strings.Join(sets, ", ")+`,
		    last_edited_by = $3, last_edited_at = now(), updated_at = now()
		WHERE setlist_id = $1 AND id = $2
	`, args...)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}

	s.publish(ctx, "item.updated", setlistID, itemsChannel(setlistID))
	return nil
}

// DeleteItem removes the item and closes the gap it leaves.
func (s *Store) DeleteItem(ctx context.Context, setlistID, itemID string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("delete item begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockSetlist(ctx, tx, setlistID); err != nil {
		return err
	}

	var pos int
	err = tx.QueryRow(ctx, `
		DELETE FROM items
		WHERE id = $1 AND setlist_id = $2
		RETURNING position
	`, itemID, setlistID).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE items
		SET position = position - 1
		WHERE setlist_id = $1 AND position > $2
	`, setlistID, pos); err != nil {
		return fmt.Errorf("delete item compact: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("delete item commit: %w", err)
	}

	s.publish(ctx, "item.removed", setlistID, itemsChannel(setlistID), commentsChannel(setlistID, itemID))
	return nil
}

// ReorderItems writes every position in one transaction. Any unknown id
// aborts the whole batch. Rows the batch does not name keep their relative
// order after it, so a batch built from a stale view still commits dense.
func (s *Store) ReorderItems(ctx context.Context, setlistID string, updates []store.PositionUpdate) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("reorder begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockSetlist(ctx, tx, setlistID); err != nil {
		return err
	}

	for _, u := range updates {
		tag, err := tx.Exec(ctx, `
			UPDATE items
			SET position = $3, updated_at = now()
			WHERE setlist_id = $1 AND id = $2
		`, setlistID, u.ItemID, u.Position)
		if err != nil {
			return fmt.Errorf("reorder set position: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("item %s: %w", u.ItemID, store.ErrNotFound)
		}
	}

	ids := make([]string, len(updates))
	for i, u := range updates {
		ids[i] = u.ItemID
	}
	if _, err := tx.Exec(ctx, `
		UPDATE items AS i
		SET position = $3 + r.rn - 1, updated_at = now()
		FROM (
			SELECT id, row_number() OVER (ORDER BY position, created_at, id) AS rn
			FROM items
			WHERE setlist_id = $1 AND NOT (id = ANY($2))
		) AS r
		WHERE i.setlist_id = $1 AND i.id = r.id
	`, setlistID, ids, len(updates)); err != nil {
		return fmt.Errorf("reorder trailing items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reorder commit: %w", err)
	}

	s.publish(ctx, "items.reordered", setlistID, itemsChannel(setlistID))
	return nil
}

func (s *Store) WatchItems(ctx context.Context, setlistID string) (<-chan store.ItemsSnapshot, error) {
	return watch(ctx, s, itemsChannel(setlistID),
		func(ctx context.Context) (store.ItemsSnapshot, error) {
			items, err := s.ListItems(ctx, setlistID)
			return store.ItemsSnapshot{Items: items}, err
		},
		func(err error) store.ItemsSnapshot { return store.ItemsSnapshot{Err: err} },
	)
}
