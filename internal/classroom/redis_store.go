// Package classroom resolves class membership and carries the non-critical
// classroom side effects (participation awards, reactions) in Redis.
package classroom

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/jeongdon-heo/story-together/internal/domain"
)

// Member is one class roster record as the LMS provisions it.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

// RedisStore reads class membership and records awards/reactions in Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings so a bad address fails at startup, not
// mid-session.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient builds a store from an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func classKey(storyID domain.StoryID) string { return "class:" + string(storyID) }

func badgeKey(userID domain.UserID) string { return "badges:" + string(userID) }

func reactionKey(storyID domain.StoryID, partID string) string {
	return "reactions:" + string(storyID) + ":" + partID
}

// ClassMembers returns the provisioned roster for a story, in the order the
// teacher arranged it. Everyone starts offline; joins flip them online.
func (s *RedisStore) ClassMembers(ctx context.Context, storyID domain.StoryID) ([]domain.Participant, error) {
	raw, err := s.client.Get(ctx, classKey(storyID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("class for story %s not provisioned", storyID)
	}
	if err != nil {
		return nil, fmt.Errorf("read class members: %w", err)
	}

	var members []Member
	if err := json.Unmarshal([]byte(raw), &members); err != nil {
		return nil, fmt.Errorf("decode class members: %w", err)
	}

	participants := make([]domain.Participant, 0, len(members))
	for _, m := range members {
		participants = append(participants, domain.Participant{
			UserID:      domain.UserID(m.UserID),
			DisplayName: m.DisplayName,
			Color:       m.Color,
		})
	}
	return participants, nil
}

// ProvisionClass writes the roster for a story. Used by seeding and tests.
func (s *RedisStore) ProvisionClass(ctx context.Context, storyID domain.StoryID, members []Member) error {
	raw, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("encode class members: %w", err)
	}
	if err := s.client.Set(ctx, classKey(storyID), raw, 0).Err(); err != nil {
		return fmt.Errorf("write class members: %w", err)
	}
	return nil
}

// AwardParticipation bumps the student's participation counter.
func (s *RedisStore) AwardParticipation(ctx context.Context, userID domain.UserID) error {
	if err := s.client.Incr(ctx, badgeKey(userID)).Err(); err != nil {
		return fmt.Errorf("award participation: %w", err)
	}
	return nil
}

// ParticipationCount reads a student's counter, for badge displays.
func (s *RedisStore) ParticipationCount(ctx context.Context, userID domain.UserID) (int64, error) {
	n, err := s.client.Get(ctx, badgeKey(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read participation: %w", err)
	}
	return n, nil
}

// RecordReaction counts an emoji reaction on a story part.
func (s *RedisStore) RecordReaction(ctx context.Context, storyID domain.StoryID, partID string, userID domain.UserID, emoji string) error {
	if err := s.client.HIncrBy(ctx, reactionKey(storyID, partID), emoji, 1).Err(); err != nil {
		return fmt.Errorf("record reaction: %w", err)
	}
	return nil
}

// Reactions returns the emoji counts for one story part.
func (s *RedisStore) Reactions(ctx context.Context, storyID domain.StoryID, partID string) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, reactionKey(storyID, partID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read reactions: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for emoji, count := range raw {
		n, err := strconv.ParseInt(count, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse reaction count: %w", err)
		}
		out[emoji] = n
	}
	return out, nil
}
