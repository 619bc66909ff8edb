package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jeongdon-heo/story-together/internal/domain"
)

// Generator is the text generation collaborator: opaque, possibly slow,
// possibly failing.
type Generator interface {
	Continuation(ctx context.Context, transcript []domain.StoryPart, grade int, persona string) (string, error)
	ContinuationForChoice(ctx context.Context, transcript []domain.StoryPart, choice domain.BranchChoice, grade int, persona string) (string, error)
	Ending(ctx context.Context, transcript []domain.StoryPart, grade int, persona string) (string, error)
	Hints(ctx context.Context, transcript []domain.StoryPart, grade int, persona string) ([]domain.Hint, error)
	BranchChoices(ctx context.Context, transcript []domain.StoryPart, grade int, count int) ([]domain.BranchChoice, error)
}

// Moderator checks a candidate submission. Callers fail open on error so an
// unreachable safety service never blocks the classroom.
type Moderator interface {
	Moderate(ctx context.Context, text string, grade int) (domain.Verdict, error)
}

// PartStore is the write-behind persistence log. It is never the source of
// truth for live turn state.
type PartStore interface {
	InsertPart(ctx context.Context, part domain.StoryPart) (domain.StoryPart, error)
	InsertBranchNode(ctx context.Context, node domain.BranchNode) error
	DecideBranchNode(ctx context.Context, nodeID string, selectedIdx int, result map[int]int) error
	UpsertVote(ctx context.Context, nodeID string, userID domain.UserID, choiceIdx int) error
	MarkStoryCompleted(ctx context.Context, storyID domain.StoryID) error
}

// Classroom resolves class membership and carries the non-critical side
// effects (participation awards, reactions).
type Classroom interface {
	ClassMembers(ctx context.Context, storyID domain.StoryID) ([]domain.Participant, error)
	AwardParticipation(ctx context.Context, userID domain.UserID) error
	RecordReaction(ctx context.Context, storyID domain.StoryID, partID string, userID domain.UserID, emoji string) error
}

// Deps bundles every collaborator an orchestrator touches.
type Deps struct {
	Gen       Generator
	Mod       Moderator
	Store     PartStore
	Classroom Classroom
	Events    Broadcaster
}

// Config carries the session knobs; zero fields fall back to Defaults.
type Config struct {
	TurnSeconds         int
	VoteSeconds         int
	ChoiceCount         int
	SubmissionsPerVote  int
	Grade               int
	Persona             string
	CollaboratorTimeout time.Duration
}

func Defaults() Config {
	return Config{
		TurnSeconds:         90,
		VoteSeconds:         45,
		ChoiceCount:         3,
		SubmissionsPerVote:  2,
		Grade:               3,
		Persona:             "friendly storyteller",
		CollaboratorTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := Defaults()
	if c.TurnSeconds <= 0 {
		c.TurnSeconds = d.TurnSeconds
	}
	if c.VoteSeconds <= 0 {
		c.VoteSeconds = d.VoteSeconds
	}
	if c.ChoiceCount <= 0 {
		c.ChoiceCount = d.ChoiceCount
	}
	if c.SubmissionsPerVote <= 0 {
		c.SubmissionsPerVote = d.SubmissionsPerVote
	}
	if c.Grade <= 0 {
		c.Grade = d.Grade
	}
	if c.Persona == "" {
		c.Persona = d.Persona
	}
	if c.CollaboratorTimeout <= 0 {
		c.CollaboratorTimeout = d.CollaboratorTimeout
	}
	return c
}

// fireAndForget runs a non-critical side effect off the hot path. Failures
// are logged, never propagated; this replaces scattered empty catches.
func fireAndForget(name string, timeout time.Duration, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("effect", name).Msg("non-critical effect failed")
		}
	}()
}
