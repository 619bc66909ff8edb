package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jeongdon-heo/story-together/internal/domain"
)

type relayPhase string

const (
	relayRunning   relayPhase = "running"
	relayCompleted relayPhase = "completed"
)

// Relay is the linear-rotation orchestrator: one student writes, the
// generator replies, the rotation advances. All mutating operations
// serialize on mu, including clock callbacks, so turn state never sees a
// half-applied transition.
type Relay struct {
	mu sync.Mutex

	storyID   domain.StoryID
	sessionID string
	cfg       Config
	deps      Deps
	onDone    func()

	roster     *roster
	phase      relayPhase
	currentIdx int
	turnNumber int
	partOrder  int
	transcript []domain.StoryPart

	secondsLeft  int
	totalSeconds int
	clock        *Clock
}

// NewRelay builds the orchestrator with everyone offline. The first clock
// is deferred until a join confirms an online participant, so the countdown
// never ticks with nobody assigned.
func NewRelay(storyID domain.StoryID, sessionID string, members []domain.Participant, cfg Config, deps Deps, onDone func()) *Relay {
	cfg = cfg.withDefaults()
	return &Relay{
		storyID:      storyID,
		sessionID:    sessionID,
		cfg:          cfg,
		deps:         deps,
		onDone:       onDone,
		roster:       newRoster(members),
		phase:        relayRunning,
		turnNumber:   1,
		secondsLeft:  cfg.TurnSeconds,
		totalSeconds: cfg.TurnSeconds,
	}
}

func (s *Relay) Join(p domain.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, _ := s.roster.byUser(p.UserID)
	if member == nil {
		member = s.roster.add(p)
	}
	member.ConnID = p.ConnID
	member.Online = true

	log.Info().Str("module", "session.relay").Str("story", string(s.storyID)).Str("user", string(p.UserID)).Msg("participant joined")
	s.deps.Events.Broadcast(s.storyID, EvtParticipantJoined, ParticipantEvent{Participant: *member})
	s.ensureOnlineTurnLocked()
}

func (s *Relay) Leave(connID domain.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, _ := s.roster.byConn(connID)
	if member == nil {
		return
	}
	member.Online = false
	member.ConnID = ""

	log.Info().Str("module", "session.relay").Str("story", string(s.storyID)).Str("user", string(member.UserID)).Msg("participant left")
	s.deps.Events.Broadcast(s.storyID, EvtParticipantLeft, ParticipantEvent{Participant: *member})
	s.ensureOnlineTurnLocked()
}

// ensureOnlineTurnLocked reconciles the turn holder with the online subset
// after every join and leave. The very first clock starts here, once the
// holder is actually present. An offline holder hands the turn to the
// nearest online member with a fresh turn_changed and a full clock; no
// timer_expired fires, the holder was not skipped by the countdown.
func (s *Relay) ensureOnlineTurnLocked() {
	if s.phase != relayRunning || s.roster.size() == 0 {
		return
	}
	if s.roster.at(s.currentIdx).Online {
		if s.clock == nil {
			s.startClockLocked(s.secondsLeft)
		}
		return
	}
	idx := s.roster.nextOnline(s.currentIdx, false)
	if idx < 0 {
		// Nobody connected; pause until someone returns.
		s.stopClockLocked()
		return
	}
	s.currentIdx = idx
	s.secondsLeft = s.totalSeconds
	s.broadcastTurnLocked()
	s.startClockLocked(s.totalSeconds)
}

// Submit accepts the current holder's text, runs moderation, persists the
// student part, asks the generator to continue, persists the reply, then
// advances the rotation. A moderation rejection consumes nothing: only the
// submitter is told, and the clock resumes with its prior remaining time.
func (s *Relay) Submit(ctx context.Context, userID domain.UserID, text, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != relayRunning || s.roster.size() == 0 {
		return ErrWrongPhase
	}
	cur := s.roster.at(s.currentIdx)
	if cur.UserID != userID {
		return ErrNotYourTurn
	}

	s.stopClockLocked()

	verdict := runModeration(ctx, s.deps.Mod, text, s.cfg.Grade, s.cfg.CollaboratorTimeout)
	if !verdict.Safe {
		s.deps.Events.SendTo(cur.ConnID, EvtContentRejected, ContentRejectedEvent{Reason: verdict.Reason, Suggestion: verdict.Suggestion})
		s.startClockLocked(s.secondsLeft)
		return nil
	}

	part, err := s.persistPartLocked(ctx, domain.AuthorStudent, userID, text, "")
	if err != nil {
		s.startClockLocked(s.secondsLeft)
		return err
	}
	s.deps.Events.Broadcast(s.storyID, EvtStudentSubmitted, PartEvent{NewPart: part})
	s.deps.Events.Broadcast(s.storyID, EvtAIWriting, struct{}{})

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.CollaboratorTimeout)
	aiText, err := s.deps.Gen.Continuation(genCtx, s.transcript, s.cfg.Grade, s.cfg.Persona)
	cancel()
	if err != nil {
		// Student part stays, the turn still advances; the session must
		// never deadlock on a flaky generator.
		s.advanceTurnLocked()
		s.broadcastTurnLocked()
		s.startClockLocked(s.totalSeconds)
		return fmt.Errorf("generate continuation: %w", err)
	}

	aiPart, err := s.persistPartLocked(ctx, domain.AuthorAI, "", aiText, "")
	if err != nil {
		s.advanceTurnLocked()
		s.broadcastTurnLocked()
		s.startClockLocked(s.totalSeconds)
		return err
	}
	s.deps.Events.Broadcast(s.storyID, EvtAIComplete, PartEvent{NewPart: aiPart})

	s.advanceTurnLocked()
	s.broadcastTurnLocked()
	s.startClockLocked(s.totalSeconds)
	return nil
}

// Pass hands the turn on without text, moderation or generation.
func (s *Relay) Pass(userID domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != relayRunning || s.roster.size() == 0 {
		return ErrWrongPhase
	}
	if s.roster.at(s.currentIdx).UserID != userID {
		return ErrNotYourTurn
	}
	s.stopClockLocked()
	s.advanceTurnLocked()
	s.broadcastTurnLocked()
	s.startClockLocked(s.totalSeconds)
	return nil
}

// Finish asks the generator for an ending, persists it and retires the
// session. On generation failure the story stays incomplete so the teacher
// can retry.
func (s *Relay) Finish(ctx context.Context, userID domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != relayRunning {
		return ErrWrongPhase
	}
	s.stopClockLocked()

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.CollaboratorTimeout)
	ending, err := s.deps.Gen.Ending(genCtx, s.transcript, s.cfg.Grade, s.cfg.Persona)
	cancel()
	if err != nil {
		if s.roster.onlineCount() > 0 {
			s.startClockLocked(s.secondsLeft)
		}
		return fmt.Errorf("generate ending: %w", err)
	}

	part, err := s.persistPartLocked(ctx, domain.AuthorAI, "", ending, "")
	if err != nil {
		if s.roster.onlineCount() > 0 {
			s.startClockLocked(s.secondsLeft)
		}
		return err
	}
	s.deps.Events.Broadcast(s.storyID, EvtAIComplete, PartEvent{NewPart: part})

	if err := s.deps.Store.MarkStoryCompleted(ctx, s.storyID); err != nil {
		log.Error().Err(err).Str("module", "session.relay").Str("story", string(s.storyID)).Msg("mark completed failed")
	}
	s.phase = relayCompleted
	s.deps.Events.Broadcast(s.storyID, EvtStoryCompleted, RelayCompletedEvent{
		TotalParts:   len(s.transcript),
		Participants: s.roster.snapshot(),
		CompletedAt:  time.Now().UTC().Format(time.RFC3339),
	})
	log.Info().Str("module", "session.relay").Str("story", string(s.storyID)).Int("parts", len(s.transcript)).Msg("story completed")
	s.onDone()
	return nil
}

func (s *Relay) Roster() []domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster.snapshot()
}

func (s *Relay) Transcript() []domain.StoryPart {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StoryPart, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// SendState delivers the synthesized snapshot a late joiner bootstraps
// from, instead of replayed event history.
func (s *Relay) SendState(connID domain.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := SessionStateEvent{
		Mode:         "relay",
		Phase:        string(s.phase),
		Participants: s.roster.snapshot(),
		TurnNumber:   s.turnNumber,
		SecondsLeft:  s.secondsLeft,
		TotalSeconds: s.totalSeconds,
		Parts:        s.transcript,
	}
	if s.roster.size() > 0 {
		state.CurrentStudentID = s.roster.at(s.currentIdx).UserID
	}
	s.deps.Events.SendTo(connID, EvtSessionState, state)
}

func (s *Relay) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopClockLocked()
}

func (s *Relay) advanceTurnLocked() {
	s.currentIdx = s.roster.advance(s.currentIdx)
	s.turnNumber++
	s.secondsLeft = s.totalSeconds
}

func (s *Relay) broadcastTurnLocked() {
	cur := s.roster.at(s.currentIdx)
	next := s.roster.at(s.roster.advance(s.currentIdx))
	s.deps.Events.Broadcast(s.storyID, EvtTurnChanged, TurnChangedEvent{
		CurrentStudentID:   cur.UserID,
		CurrentStudentName: cur.DisplayName,
		NextStudentID:      next.UserID,
		NextStudentName:    next.DisplayName,
		TurnNumber:         s.turnNumber,
	})
}

func (s *Relay) startClockLocked(remaining int) {
	s.stopClockLocked()
	s.clock = StartClock(remaining, s.totalSeconds, s.onTick, s.onExpire)
}

func (s *Relay) stopClockLocked() {
	if s.clock != nil {
		s.clock.Stop()
		s.clock = nil
	}
}

func (s *Relay) onTick(c *Clock, left, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clock != c {
		return
	}
	s.secondsLeft = left
	s.deps.Events.Broadcast(s.storyID, EvtTimerTick, TimerTickEvent{SecondsLeft: left, TotalSeconds: total})
}

// onExpire skips the current holder and hands the turn to the next online
// member. The identity check drops expirations from a clock that an action
// already replaced.
func (s *Relay) onExpire(c *Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clock != c || s.phase != relayRunning {
		return
	}
	s.clock = nil

	skipped := s.roster.at(s.currentIdx).UserID
	s.advanceTurnLocked()
	next := s.roster.at(s.currentIdx).UserID
	log.Info().Str("module", "session.relay").Str("story", string(s.storyID)).Str("skipped", string(skipped)).Msg("turn expired")
	s.deps.Events.Broadcast(s.storyID, EvtTimerExpired, TimerExpiredEvent{SkippedStudentID: skipped, NextStudentID: next})
	s.broadcastTurnLocked()
	s.startClockLocked(s.totalSeconds)
}

func (s *Relay) persistPartLocked(ctx context.Context, author domain.AuthorType, authorID domain.UserID, text, nodeID string) (domain.StoryPart, error) {
	part := domain.StoryPart{
		ID:           uuid.NewString(),
		StoryID:      s.storyID,
		AuthorType:   author,
		AuthorID:     authorID,
		Text:         text,
		Order:        s.partOrder + 1,
		BranchNodeID: nodeID,
		CreatedAt:    time.Now().UTC(),
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.CollaboratorTimeout)
	defer cancel()
	stored, err := s.deps.Store.InsertPart(storeCtx, part)
	if err != nil {
		return domain.StoryPart{}, fmt.Errorf("persist part: %w", err)
	}
	s.partOrder++
	s.transcript = append(s.transcript, stored)
	return stored, nil
}

// runModeration fails open: an unreachable safety service must never block
// the classroom.
func runModeration(ctx context.Context, mod Moderator, text string, grade int, timeout time.Duration) domain.Verdict {
	modCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	verdict, err := mod.Moderate(modCtx, text, grade)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("moderation unreachable, treating as safe")
		return domain.Verdict{Safe: true}
	}
	return verdict
}
