package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"setlist-sync/internal/setlist"
	"setlist-sync/internal/store"
)

const commentColumns = `id, item_id, setlist_id, author_id, author_name, author_avatar,
		       content, parent_id, mentions, is_edited, created_at, updated_at`

func scanComment(row pgx.Row) (setlist.Comment, error) {
	var c setlist.Comment
	err := row.Scan(&c.ID, &c.ItemID, &c.SetlistID, &c.AuthorID, &c.AuthorName, &c.AuthorAvatar,
		&c.Content, &c.ParentID, &c.Mentions, &c.IsEdited, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *Store) AddComment(ctx context.Context, c setlist.Comment) (string, error) {
	if c.Mentions == nil {
		c.Mentions = []string{}
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("add comment begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE items
		SET comment_count = comment_count + 1
		WHERE setlist_id = $1 AND id = $2
	`, c.SetlistID, c.ItemID)
	if err != nil {
		return "", fmt.Errorf("add comment count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", store.ErrNotFound
	}

	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO comments (setlist_id, item_id, author_id, author_name, author_avatar, content, parent_id, mentions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, c.SetlistID, c.ItemID, c.AuthorID, c.AuthorName, c.AuthorAvatar, c.Content, c.ParentID, c.Mentions).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("add comment insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("add comment commit: %w", err)
	}

	s.publish(ctx, "comment.added", c.SetlistID, commentsChannel(c.SetlistID, c.ItemID), itemsChannel(c.SetlistID))
	return id, nil
}

func (s *Store) GetComment(ctx context.Context, setlistID, commentID string) (*setlist.Comment, error) {
	c, err := scanComment(s.db.QueryRow(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE setlist_id = $1 AND id = $2
	`, setlistID, commentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get comment: %w", err)
	}
	return &c, nil
}

func (s *Store) UpdateComment(ctx context.Context, setlistID, commentID, content string, mentions []string) error {
	if mentions == nil {
		mentions = []string{}
	}
	var itemID string
	err := s.db.QueryRow(ctx, `
		UPDATE comments
		SET content = $3, mentions = $4, is_edited = TRUE, updated_at = now()
		WHERE setlist_id = $1 AND id = $2
		RETURNING item_id
	`, setlistID, commentID, content, mentions).Scan(&itemID)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}

	s.publish(ctx, "comment.updated", setlistID, commentsChannel(setlistID, itemID))
	return nil
}

func (s *Store) DeleteComment(ctx context.Context, setlistID, itemID, commentID string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("delete comment begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM comments
		WHERE setlist_id = $1 AND id = $2
	`, setlistID, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}

	if _, err := tx.Exec(ctx, `
		UPDATE items
		SET comment_count = GREATEST(comment_count - 1, 0)
		WHERE setlist_id = $1 AND id = $2
	`, setlistID, itemID); err != nil {
		return fmt.Errorf("delete comment count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("delete comment commit: %w", err)
	}

	s.publish(ctx, "comment.removed", setlistID, commentsChannel(setlistID, itemID), itemsChannel(setlistID))
	return nil
}

func (s *Store) ListComments(ctx context.Context, setlistID, itemID string) ([]setlist.Comment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE setlist_id = $1 AND item_id = $2
		ORDER BY created_at, id
	`, setlistID, itemID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	out := []setlist.Comment{}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) WatchComments(ctx context.Context, setlistID, itemID string) (<-chan store.CommentsSnapshot, error) {
	return watch(ctx, s, commentsChannel(setlistID, itemID),
		func(ctx context.Context) (store.CommentsSnapshot, error) {
			cs, err := s.ListComments(ctx, setlistID, itemID)
			return store.CommentsSnapshot{Comments: cs}, err
		},
		func(err error) store.CommentsSnapshot { return store.CommentsSnapshot{Err: err} },
	)
}
