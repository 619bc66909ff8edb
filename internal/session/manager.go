// Package session implements the per-story orchestrators for collaborative
// story writing: the relay rotation, the branch vote tree, the turn clock
// and the registry that guarantees one live orchestrator per story.
package session

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/jeongdon-heo/story-together/internal/domain"
)

var defaultHints = []domain.Hint{
	{Text: "What happens next to your hero?", Direction: "continue"},
	{Text: "Describe where the characters are right now.", Direction: "setting"},
	{Text: "Add a surprise that changes everything.", Direction: "twist"},
}

// Manager routes inbound actions to the story's orchestrator. It is the
// single entry point both transports use, so error propagation is uniform:
// every caller gets the orchestrator's error return.
type Manager struct {
	cfg      Config
	deps     Deps
	registry *Registry
}

func NewManager(cfg Config, deps Deps) *Manager {
	return &Manager{cfg: cfg.withDefaults(), deps: deps, registry: NewRegistry()}
}

// StartRelay builds a relay orchestrator for the story. A second start for
// the same story returns ErrSessionExists, which callers treat as a
// successful no-op.
func (m *Manager) StartRelay(ctx context.Context, storyID domain.StoryID, sessionID string, turnSeconds int) error {
	if !m.registry.Reserve(storyID) {
		return ErrSessionExists
	}
	members, err := m.deps.Classroom.ClassMembers(ctx, storyID)
	if err != nil {
		m.registry.Release(storyID)
		return fmt.Errorf("load class members: %w", err)
	}
	cfg := m.cfg
	if turnSeconds > 0 {
		cfg.TurnSeconds = turnSeconds
	}
	runner := NewRelay(storyID, sessionID, members, cfg, m.deps, func() { m.registry.Release(storyID) })
	m.registry.Commit(storyID, runner)
	log.Info().Str("module", "session.manager").Str("story", string(storyID)).Int("members", len(members)).Msg("relay session started")
	return nil
}

// StartBranch builds a branch orchestrator and opens the root ballot. The
// same idempotent-placeholder guard as StartRelay covers the race between
// concurrent starts.
func (m *Manager) StartBranch(ctx context.Context, storyID domain.StoryID, sessionID string) error {
	if !m.registry.Reserve(storyID) {
		return ErrSessionExists
	}
	members, err := m.deps.Classroom.ClassMembers(ctx, storyID)
	if err != nil {
		m.registry.Release(storyID)
		return fmt.Errorf("load class members: %w", err)
	}
	runner := NewBranch(storyID, sessionID, members, m.cfg, m.deps, func() { m.registry.Release(storyID) })
	if err := runner.OpenRootBallot(ctx); err != nil {
		m.registry.Release(storyID)
		return err
	}
	m.registry.Commit(storyID, runner)
	log.Info().Str("module", "session.manager").Str("story", string(storyID)).Int("members", len(members)).Msg("branch session started")
	return nil
}

// Join is a no-op for an unknown story; the session may legitimately not
// exist yet.
func (m *Manager) Join(storyID domain.StoryID, p domain.Participant) {
	runner, ok := m.registry.Get(storyID)
	if !ok {
		return
	}
	runner.Join(p)
	runner.SendState(p.ConnID)
}

// Leave marks the matching participant offline. No-op for an unknown story.
func (m *Manager) Leave(storyID domain.StoryID, connID domain.ConnID) {
	runner, ok := m.registry.Get(storyID)
	if !ok {
		return
	}
	runner.Leave(connID)
}

// Roster returns the story's roster snapshot, empty for an unknown story.
func (m *Manager) Roster(storyID domain.StoryID) []domain.Participant {
	runner, ok := m.registry.Get(storyID)
	if !ok {
		return nil
	}
	return runner.Roster()
}

func (m *Manager) SendState(storyID domain.StoryID, connID domain.ConnID) {
	runner, ok := m.registry.Get(storyID)
	if !ok {
		return
	}
	runner.SendState(connID)
}

func (m *Manager) Submit(ctx context.Context, storyID domain.StoryID, userID domain.UserID, text, branchNodeID string) error {
	runner, ok := m.registry.Get(storyID)
	if !ok {
		return ErrNotFound
	}
	return runner.Submit(ctx, userID, text, branchNodeID)
}

// Pass applies to relay sessions only.
func (m *Manager) Pass(storyID domain.StoryID, userID domain.UserID) error {
	runner, ok := m.registry.Get(storyID)
	if !ok {
		return ErrNotFound
	}
	relay, ok := runner.(*Relay)
	if !ok {
		return ErrWrongPhase
	}
	return relay.Pass(userID)
}

// CastVote applies to branch sessions only.
func (m *Manager) CastVote(ctx context.Context, storyID domain.StoryID, userID domain.UserID, choiceIdx int) error {
	runner, ok := m.registry.Get(storyID)
	if !ok {
		return ErrNotFound
	}
	branch, ok := runner.(*Branch)
	if !ok {
		return ErrWrongPhase
	}
	return branch.CastVote(ctx, userID, choiceIdx)
}

func (m *Manager) ForceVoteDecide(ctx context.Context, storyID domain.StoryID) error {
	runner, ok := m.registry.Get(storyID)
	if !ok {
		return ErrNotFound
	}
	branch, ok := runner.(*Branch)
	if !ok {
		return ErrWrongPhase
	}
	return branch.ForceVoteDecide(ctx)
}

func (m *Manager) ForceBranch(ctx context.Context, storyID domain.StoryID) error {
	runner, ok := m.registry.Get(storyID)
	if !ok {
		return ErrNotFound
	}
	branch, ok := runner.(*Branch)
	if !ok {
		return ErrWrongPhase
	}
	return branch.ForceBranch(ctx)
}

func (m *Manager) Finish(ctx context.Context, storyID domain.StoryID, userID domain.UserID) error {
	runner, ok := m.registry.Get(storyID)
	if !ok {
		return ErrNotFound
	}
	return runner.Finish(ctx, userID)
}

// Hint sends AI writing suggestions to the requesting connection only.
// Best-effort: generator failure falls back to the static defaults and
// never fails the caller.
func (m *Manager) Hint(ctx context.Context, storyID domain.StoryID, connID domain.ConnID) {
	runner, ok := m.registry.Get(storyID)
	if !ok {
		return
	}
	hintCtx, cancel := context.WithTimeout(ctx, m.cfg.CollaboratorTimeout)
	defer cancel()
	hints, err := m.deps.Gen.Hints(hintCtx, runner.Transcript(), m.cfg.Grade, m.cfg.Persona)
	if err != nil || len(hints) == 0 {
		if err != nil {
			log.Warn().Err(err).Str("module", "session.manager").Str("story", string(storyID)).Msg("hint generation failed, using defaults")
		}
		hints = defaultHints
	}
	m.deps.Events.SendTo(connID, EvtHintSuggestions, HintSuggestionsEvent{Hints: hints})
}

// React broadcasts an emoji reaction on a story part and records it off the
// hot path.
func (m *Manager) React(storyID domain.StoryID, partID string, userID domain.UserID, emoji string) error {
	if _, ok := m.registry.Get(storyID); !ok {
		return ErrNotFound
	}
	m.deps.Events.Broadcast(storyID, EvtReactionAdded, ReactionAddedEvent{PartID: partID, UserID: userID, Emoji: emoji})
	classroom := m.deps.Classroom
	fireAndForget("record reaction", m.cfg.CollaboratorTimeout, func(ctx context.Context) error {
		return classroom.RecordReaction(ctx, storyID, partID, userID, emoji)
	})
	return nil
}

// Shutdown stops every live clock so no countdown outlives the process.
func (m *Manager) Shutdown() {
	for _, runner := range m.registry.Drain() {
		runner.Shutdown()
	}
}
