package pgstore

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS setlists (
          id          TEXT PRIMARY KEY,
          owner_id    TEXT NOT NULL,
          title       TEXT NOT NULL,
          description TEXT NOT NULL DEFAULT '',
          target_time INT NOT NULL DEFAULT 300,
          is_public   BOOLEAN NOT NULL DEFAULT FALSE,
          is_demo     BOOLEAN NOT NULL DEFAULT FALSE,
          created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
          updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
      )`,
	`CREATE TABLE IF NOT EXISTS setlist_shares (
          setlist_id TEXT NOT NULL REFERENCES setlists(id) ON DELETE CASCADE,
          user_id    TEXT NOT NULL,
          permission TEXT NOT NULL CHECK (permission IN ('read', 'comment', 'edit')),
          joined_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
          PRIMARY KEY (setlist_id, user_id)
      )`,
	`CREATE TABLE IF NOT EXISTS items (
          id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
          setlist_id         TEXT NOT NULL REFERENCES setlists(id) ON DELETE CASCADE,
          title              TEXT NOT NULL DEFAULT '',
          text               TEXT NOT NULL DEFAULT '',
          setup              TEXT NOT NULL DEFAULT '',
          punchline          TEXT NOT NULL DEFAULT '',
          notes              TEXT NOT NULL DEFAULT '',
          tags               TEXT[] NOT NULL DEFAULT '{}',
          position           INT NOT NULL,
          estimated_duration INT NOT NULL DEFAULT 60,
          author_id          TEXT NOT NULL,
          last_edited_by     TEXT NOT NULL,
          last_edited_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
          comment_count      INT NOT NULL DEFAULT 0,
          created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
          updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
      )`,
	// Deferred so a reorder batch can pass through duplicate positions
	// before it commits.
	`DO $$ BEGIN
          ALTER TABLE items ADD CONSTRAINT items_setlist_position_key
              UNIQUE (setlist_id, position) DEFERRABLE INITIALLY DEFERRED;
      EXCEPTION WHEN duplicate_table OR duplicate_object THEN NULL;
      END $$`,
	`CREATE TABLE IF NOT EXISTS comments (
          id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
          setlist_id    TEXT NOT NULL REFERENCES setlists(id) ON DELETE CASCADE,
          item_id       TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
          author_id     TEXT NOT NULL,
          author_name   TEXT NOT NULL DEFAULT '',
          author_avatar TEXT NOT NULL DEFAULT '',
          content       TEXT NOT NULL,
          parent_id     TEXT,
          mentions      TEXT[] NOT NULL DEFAULT '{}',
          is_edited     BOOLEAN NOT NULL DEFAULT FALSE,
          created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
          updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
      )`,
	`CREATE INDEX IF NOT EXISTS idx_comments_item ON comments(setlist_id, item_id, created_at)`,
}

// AutoMigrate creates the schema if it is missing.
func AutoMigrate(ctx context.Context, db DB) error {
	for i, stmt := range migrations {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgstore: migration %d: %w", i, err)
		}
	}
	return nil
}
