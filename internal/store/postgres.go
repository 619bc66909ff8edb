package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jeongdon-heo/story-together/internal/domain"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) InsertPart(ctx context.Context, part domain.StoryPart) (domain.StoryPart, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO stories (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`, string(part.StoryID)); err != nil {
		return domain.StoryPart{}, fmt.Errorf("ensure story: %w", err)
	}

	var authorID any
	if part.AuthorID != "" {
		authorID = string(part.AuthorID)
	}
	var nodeID any
	if part.BranchNodeID != "" {
		nodeID = part.BranchNodeID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO story_parts (id, story_id, author_type, author_id, body, part_order, branch_node_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, part.ID, string(part.StoryID), string(part.AuthorType), authorID, part.Text, part.Order, nodeID, part.CreatedAt)
	if err != nil {
		return domain.StoryPart{}, fmt.Errorf("insert story part: %w", err)
	}
	return part, nil
}

func (s *PostgresStore) InsertBranchNode(ctx context.Context, node domain.BranchNode) error {
	choices, err := json.Marshal(node.Choices)
	if err != nil {
		return fmt.Errorf("marshal choices: %w", err)
	}
	var parentID any
	if node.ParentID != "" {
		parentID = node.ParentID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO branch_nodes (id, story_id, parent_id, depth, choices, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, node.ID, string(node.StoryID), parentID, node.Depth, choices, string(node.Status))
	if err != nil {
		return fmt.Errorf("insert branch node: %w", err)
	}
	return nil
}

func (s *PostgresStore) DecideBranchNode(ctx context.Context, nodeID string, selectedIdx int, result map[int]int) error {
	voteResult, err := json.Marshal(stringKeys(result))
	if err != nil {
		return fmt.Errorf("marshal vote result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE branch_nodes
		SET selected_idx = $2, vote_result = $3, status = 'decided'
		WHERE id = $1
	`, nodeID, selectedIdx, voteResult)
	if err != nil {
		return fmt.Errorf("decide branch node: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("decide branch node: %s not found", nodeID)
	}
	return nil
}

func (s *PostgresStore) UpsertVote(ctx context.Context, nodeID string, userID domain.UserID, choiceIdx int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (branch_node_id, user_id, choice_idx)
		VALUES ($1, $2, $3)
		ON CONFLICT (branch_node_id, user_id) DO UPDATE SET choice_idx = EXCLUDED.choice_idx, cast_at = NOW()
	`, nodeID, string(userID), choiceIdx)
	if err != nil {
		return fmt.Errorf("upsert vote: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkStoryCompleted(ctx context.Context, storyID domain.StoryID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stories (id, completed_at) VALUES ($1, NOW())
		ON CONFLICT (id) DO UPDATE SET completed_at = NOW()
	`, string(storyID))
	if err != nil {
		return fmt.Errorf("mark story completed: %w", err)
	}
	return nil
}

// ListParts returns a story's finalized transcript in order, for bootstrap
// reads outside any live session.
func (s *PostgresStore) ListParts(ctx context.Context, storyID domain.StoryID) ([]domain.StoryPart, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author_type, COALESCE(author_id, ''), body, part_order, COALESCE(branch_node_id, ''), created_at
		FROM story_parts
		WHERE story_id = $1
		ORDER BY part_order
	`, string(storyID))
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	defer rows.Close()

	var parts []domain.StoryPart
	for rows.Next() {
		part := domain.StoryPart{StoryID: storyID}
		var authorType, authorID string
		if err := rows.Scan(&part.ID, &authorType, &authorID, &part.Text, &part.Order, &part.BranchNodeID, &part.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		part.AuthorType = domain.AuthorType(authorType)
		part.AuthorID = domain.UserID(authorID)
		parts = append(parts, part)
	}
	return parts, rows.Err()
}

// JSON object keys must be strings; vote tallies are keyed by choice index.
func stringKeys(in map[int]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[strconv.Itoa(k)] = v
	}
	return out
}
