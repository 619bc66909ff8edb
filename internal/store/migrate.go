package store

import (
	"context"
	"database/sql"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS stories (
		id TEXT PRIMARY KEY,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS story_parts (
		id TEXT PRIMARY KEY,
		story_id TEXT NOT NULL,
		author_type TEXT NOT NULL,
		author_id TEXT,
		body TEXT NOT NULL,
		part_order INT NOT NULL,
		branch_node_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (story_id, part_order)
	)`,
	`CREATE TABLE IF NOT EXISTS branch_nodes (
		id TEXT PRIMARY KEY,
		story_id TEXT NOT NULL,
		parent_id TEXT,
		depth INT NOT NULL,
		choices JSONB NOT NULL,
		selected_idx INT,
		vote_result JSONB,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS votes (
		branch_node_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		choice_idx INT NOT NULL,
		cast_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (branch_node_id, user_id)
	)`,
}

func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return nil
}
