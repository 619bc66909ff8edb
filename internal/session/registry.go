package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/jeongdon-heo/story-together/internal/domain"
)

// Runner is one live orchestrator, relay or branch. Mode-specific actions
// (pass, vote, force decisions) hang off the concrete types.
type Runner interface {
	Join(p domain.Participant)
	Leave(connID domain.ConnID)
	Roster() []domain.Participant
	Transcript() []domain.StoryPart
	Submit(ctx context.Context, userID domain.UserID, text, branchNodeID string) error
	Finish(ctx context.Context, userID domain.UserID) error
	SendState(connID domain.ConnID)
	Shutdown()
}

// Registry maps each story id to at most one live orchestrator. Reserve
// inserts a placeholder atomically, closing the race between concurrent
// start requests before the roster is even built.
type Registry struct {
	mu       sync.Mutex
	sessions map[domain.StoryID]Runner
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.StoryID]Runner)}
}

// Reserve claims the story id with a placeholder. Returns false when an
// entry, placeholder or live, already holds the id.
func (r *Registry) Reserve(id domain.StoryID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return false
	}
	r.sessions[id] = nil
	log.Info().Str("module", "session.registry").Str("story", string(id)).Msg("reserved story")
	return true
}

// Commit replaces the placeholder with the built orchestrator.
func (r *Registry) Commit(id domain.StoryID, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = runner
	log.Info().Str("module", "session.registry").Str("story", string(id)).Msg("committed session")
}

// Release drops the entry, whether placeholder (failed start) or live
// (completed story).
func (r *Registry) Release(id domain.StoryID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	log.Info().Str("module", "session.registry").Str("story", string(id)).Msg("released story")
}

// Get returns the live orchestrator for the story. A placeholder counts as
// absent: the session is still being built and cannot take actions yet.
func (r *Registry) Get(id domain.StoryID) (Runner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runner, ok := r.sessions[id]
	if !ok || runner == nil {
		return nil, false
	}
	return runner, true
}

// Drain removes every live session and returns them so the caller can shut
// their clocks down.
func (r *Registry) Drain() []Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Runner, 0, len(r.sessions))
	for id, runner := range r.sessions {
		if runner != nil {
			out = append(out, runner)
		}
		delete(r.sessions, id)
	}
	return out
}
