package session

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jeongdon-heo/story-together/internal/domain"
)

type branchPhase string

const (
	branchVoting         branchPhase = "voting"
	branchAIWriting      branchPhase = "ai_writing"
	branchStudentWriting branchPhase = "student_writing"
	branchDone           branchPhase = "done"
)

// Branch is the tree-structured orchestrator: open a ballot, resolve it,
// let the generator write the winning path, take a fixed number of student
// turns, then branch again. The writing cursor deliberately does not filter
// by online status; the teacher manages absent students through the force
// actions.
type Branch struct {
	mu sync.Mutex

	storyID   domain.StoryID
	sessionID string
	cfg       Config
	deps      Deps
	onDone    func()
	rng       *rand.Rand

	roster      *roster
	phase       branchPhase
	nodes       map[string]*domain.BranchNode
	currentNode *domain.BranchNode
	tally       *Tally
	cursor      int
	submissions int
	partOrder   int
	transcript  []domain.StoryPart

	secondsLeft int
	clock       *Clock
}

func NewBranch(storyID domain.StoryID, sessionID string, members []domain.Participant, cfg Config, deps Deps, onDone func()) *Branch {
	cfg = cfg.withDefaults()
	return &Branch{
		storyID:   storyID,
		sessionID: sessionID,
		cfg:       cfg,
		deps:      deps,
		onDone:    onDone,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		roster:    newRoster(members),
		phase:     branchStudentWriting,
		nodes:     make(map[string]*domain.BranchNode),
	}
}

// OpenRootBallot opens the first ballot at depth zero. Called once right
// after start; a failure aborts the start so the registry placeholder can
// be released.
func (s *Branch) OpenRootBallot(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openBallotLocked(ctx, nil)
}

func (s *Branch) Join(p domain.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, _ := s.roster.byUser(p.UserID)
	if member == nil {
		member = s.roster.add(p)
	}
	member.ConnID = p.ConnID
	member.Online = true

	log.Info().Str("module", "session.branch").Str("story", string(s.storyID)).Str("user", string(p.UserID)).Msg("participant joined")
	s.deps.Events.Broadcast(s.storyID, EvtParticipantJoined, ParticipantEvent{Participant: *member})
}

func (s *Branch) Leave(connID domain.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, _ := s.roster.byConn(connID)
	if member == nil {
		return
	}
	member.Online = false
	member.ConnID = ""

	log.Info().Str("module", "session.branch").Str("story", string(s.storyID)).Str("user", string(member.UserID)).Msg("participant left")
	s.deps.Events.Broadcast(s.storyID, EvtParticipantLeft, ParticipantEvent{Participant: *member})
}

// CastVote upserts the participant's choice on the open ballot and pushes
// the live tally to the room. Once everyone has voted the ballot finalizes
// immediately, pre-empting the timer.
func (s *Branch) CastVote(ctx context.Context, userID domain.UserID, choiceIdx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != branchVoting || s.currentNode == nil {
		return ErrWrongPhase
	}
	if member, _ := s.roster.byUser(userID); member == nil {
		return ErrNotYourTurn
	}
	if err := s.tally.Cast(userID, choiceIdx); err != nil {
		return err
	}

	nodeID := s.currentNode.ID
	store := s.deps.Store
	fireAndForget("persist vote", s.cfg.CollaboratorTimeout, func(ctx context.Context) error {
		return store.UpsertVote(ctx, nodeID, userID, choiceIdx)
	})
	classroom := s.deps.Classroom
	fireAndForget("award participation", s.cfg.CollaboratorTimeout, func(ctx context.Context) error {
		return classroom.AwardParticipation(ctx, userID)
	})

	s.deps.Events.Broadcast(s.storyID, EvtVoteUpdate, VoteUpdateEvent{
		VoteCounts:        s.tally.Counts(),
		TotalVotes:        s.tally.Total(),
		TotalParticipants: s.roster.size(),
	})

	if s.tally.Total() >= s.roster.size() {
		return s.finalizeVoteLocked(ctx)
	}
	return nil
}

// Submit accepts the cursor holder's text against the decided path. Two
// accepted submissions (configurable) open the next ballot as a child of
// the just-decided node.
func (s *Branch) Submit(ctx context.Context, userID domain.UserID, text, branchNodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != branchStudentWriting || s.currentNode == nil || s.roster.size() == 0 {
		return ErrWrongPhase
	}
	cur := s.roster.at(s.cursor)
	if cur.UserID != userID {
		return ErrNotYourTurn
	}
	if branchNodeID != "" && branchNodeID != s.currentNode.ID {
		return ErrNotFound
	}

	verdict := runModeration(ctx, s.deps.Mod, text, s.cfg.Grade, s.cfg.CollaboratorTimeout)
	if !verdict.Safe {
		s.deps.Events.SendTo(cur.ConnID, EvtContentRejected, ContentRejectedEvent{Reason: verdict.Reason, Suggestion: verdict.Suggestion})
		return nil
	}

	part, err := s.persistPartLocked(ctx, domain.AuthorStudent, userID, text, s.currentNode.ID)
	if err != nil {
		return err
	}
	s.deps.Events.Broadcast(s.storyID, EvtStudentSubmitted, PartEvent{NewPart: part})

	s.submissions++
	s.cursor = (s.cursor + 1) % s.roster.size()

	if s.submissions >= s.cfg.SubmissionsPerVote {
		return s.openBallotLocked(ctx, s.currentNode)
	}
	s.broadcastWriterLocked()
	return nil
}

// ForceVoteDecide finalizes the open ballot immediately, regardless of
// votes or timer. Same path as the short-circuit and the timeout.
func (s *Branch) ForceVoteDecide(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != branchVoting || s.currentNode == nil {
		return ErrWrongPhase
	}
	return s.finalizeVoteLocked(ctx)
}

// ForceBranch opens a new ballot as a child of the current node right away,
// abandoning any open one. Same path as the automatic branch.
func (s *Branch) ForceBranch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == branchDone {
		return ErrWrongPhase
	}
	if s.currentNode == nil {
		return ErrNotFound
	}
	return s.openBallotLocked(ctx, s.currentNode)
}

func (s *Branch) Finish(ctx context.Context, _ domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == branchDone {
		return ErrWrongPhase
	}
	wasVoting := s.phase == branchVoting
	s.stopClockLocked()

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.CollaboratorTimeout)
	ending, err := s.deps.Gen.Ending(genCtx, s.transcript, s.cfg.Grade, s.cfg.Persona)
	cancel()
	if err != nil {
		if wasVoting {
			s.startVoteClockLocked(s.secondsLeft)
		}
		return fmt.Errorf("generate ending: %w", err)
	}

	part, err := s.persistPartLocked(ctx, domain.AuthorAI, "", ending, "")
	if err != nil {
		if wasVoting {
			s.startVoteClockLocked(s.secondsLeft)
		}
		return err
	}
	s.deps.Events.Broadcast(s.storyID, EvtAIComplete, PartEvent{NewPart: part})

	if err := s.deps.Store.MarkStoryCompleted(ctx, s.storyID); err != nil {
		log.Error().Err(err).Str("module", "session.branch").Str("story", string(s.storyID)).Msg("mark completed failed")
	}

	totalDepth, mainPath := 0, 0
	for _, node := range s.nodes {
		if node.Depth > totalDepth {
			totalDepth = node.Depth
		}
		if node.Status == domain.NodeDecided {
			mainPath++
		}
	}
	s.phase = branchDone
	s.deps.Events.Broadcast(s.storyID, EvtStoryCompleted, BranchCompletedEvent{
		TotalBranches:  len(s.nodes),
		TotalDepth:     totalDepth,
		MainPathLength: mainPath,
		CompletedAt:    time.Now().UTC().Format(time.RFC3339),
	})
	log.Info().Str("module", "session.branch").Str("story", string(s.storyID)).Int("branches", len(s.nodes)).Msg("story completed")
	s.onDone()
	return nil
}

func (s *Branch) Roster() []domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster.snapshot()
}

func (s *Branch) Transcript() []domain.StoryPart {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StoryPart, len(s.transcript))
	copy(out, s.transcript)
	return out
}

func (s *Branch) SendState(connID domain.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := SessionStateEvent{
		Mode:         "branch",
		Phase:        string(s.phase),
		Participants: s.roster.snapshot(),
		Parts:        s.transcript,
	}
	if s.currentNode != nil {
		node := *s.currentNode
		state.CurrentNode = &node
	}
	if s.phase == branchVoting && s.tally != nil {
		state.VoteCounts = s.tally.Counts()
		state.TotalVotes = s.tally.Total()
		state.SecondsLeft = s.secondsLeft
		state.TotalSeconds = s.cfg.VoteSeconds
	}
	if s.phase == branchStudentWriting && s.roster.size() > 0 {
		state.CurrentStudentID = s.roster.at(s.cursor).UserID
	}
	s.deps.Events.SendTo(connID, EvtSessionState, state)
}

func (s *Branch) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopClockLocked()
}

// openBallotLocked asks the generator for the next set of directions and
// opens a fresh ballot node beneath parent (nil for the root). The vote
// clock replaces whatever countdown was live.
func (s *Branch) openBallotLocked(ctx context.Context, parent *domain.BranchNode) error {
	s.stopClockLocked()

	depth, parentID := 0, ""
	if parent != nil {
		depth = parent.Depth + 1
		parentID = parent.ID
	}

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.CollaboratorTimeout)
	choices, err := s.deps.Gen.BranchChoices(genCtx, s.transcript, s.cfg.Grade, s.cfg.ChoiceCount)
	cancel()
	if err != nil {
		return fmt.Errorf("generate branch choices: %w", err)
	}

	node := &domain.BranchNode{
		ID:       uuid.NewString(),
		StoryID:  s.storyID,
		ParentID: parentID,
		Depth:    depth,
		Choices:  choices,
		Status:   domain.NodeVoting,
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.CollaboratorTimeout)
	err = s.deps.Store.InsertBranchNode(storeCtx, *node)
	cancel()
	if err != nil {
		return fmt.Errorf("persist branch node: %w", err)
	}

	s.nodes[node.ID] = node
	s.currentNode = node
	s.tally = NewTally(len(choices), s.rng)
	s.submissions = 0
	s.phase = branchVoting

	log.Info().Str("module", "session.branch").Str("story", string(s.storyID)).Str("node", node.ID).Int("depth", depth).Msg("ballot opened")
	s.deps.Events.Broadcast(s.storyID, EvtNewChoices, NewChoicesEvent{
		BranchNodeID: node.ID,
		Depth:        depth,
		Choices:      choices,
		VoteTimeout:  s.cfg.VoteSeconds,
	})
	s.deps.Events.Broadcast(s.storyID, EvtTreeUpdated, TreeUpdatedEvent{NewNode: *node})

	s.startVoteClockLocked(s.cfg.VoteSeconds)
	return nil
}

// finalizeVoteLocked decides the ballot, writes the winning path and hands
// the floor to the students. Every finalize route, short-circuit, timeout
// and force, lands here.
func (s *Branch) finalizeVoteLocked(ctx context.Context) error {
	s.stopClockLocked()

	node := s.currentNode
	winner := s.tally.Winner()
	counts := s.tally.Counts()
	node.SelectedIdx = &winner
	node.VoteResult = counts
	node.Status = domain.NodeDecided

	nodeID := node.ID
	store := s.deps.Store
	fireAndForget("persist vote result", s.cfg.CollaboratorTimeout, func(ctx context.Context) error {
		return store.DecideBranchNode(ctx, nodeID, winner, counts)
	})

	log.Info().Str("module", "session.branch").Str("story", string(s.storyID)).Str("node", nodeID).Int("selected", winner).Msg("ballot decided")
	s.deps.Events.Broadcast(s.storyID, EvtVoteResult, VoteResultEvent{
		SelectedIdx:  winner,
		SelectedText: node.Choices[winner].Text,
		VoteCounts:   counts,
	})

	s.phase = branchAIWriting
	s.deps.Events.Broadcast(s.storyID, EvtAIWriting, struct{}{})

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.CollaboratorTimeout)
	aiText, err := s.deps.Gen.ContinuationForChoice(genCtx, s.transcript, node.Choices[winner], s.cfg.Grade, s.cfg.Persona)
	cancel()
	if err != nil {
		// The vote stands; hand the floor to the students anyway so the
		// session cannot deadlock on a flaky generator.
		s.submissions = 0
		s.phase = branchStudentWriting
		s.broadcastWriterLocked()
		return fmt.Errorf("generate branch continuation: %w", err)
	}

	part, err := s.persistPartLocked(ctx, domain.AuthorAI, "", aiText, node.ID)
	if err != nil {
		s.submissions = 0
		s.phase = branchStudentWriting
		s.broadcastWriterLocked()
		return err
	}
	s.deps.Events.Broadcast(s.storyID, EvtAIComplete, PartEvent{NewPart: part})

	s.submissions = 0
	s.phase = branchStudentWriting
	s.broadcastWriterLocked()
	return nil
}

func (s *Branch) broadcastWriterLocked() {
	if s.roster.size() == 0 {
		return
	}
	s.deps.Events.Broadcast(s.storyID, EvtStudentTurn, StudentTurnEvent{CurrentStudentID: s.roster.at(s.cursor).UserID})
}

func (s *Branch) startVoteClockLocked(remaining int) {
	s.stopClockLocked()
	s.secondsLeft = remaining
	s.clock = StartClock(remaining, s.cfg.VoteSeconds, s.onTick, s.onExpire)
}

func (s *Branch) stopClockLocked() {
	if s.clock != nil {
		s.clock.Stop()
		s.clock = nil
	}
}

func (s *Branch) onTick(c *Clock, left, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clock != c {
		return
	}
	s.secondsLeft = left
	s.deps.Events.Broadcast(s.storyID, EvtVoteTimerTick, VoteTimerTickEvent{SecondsLeft: left})
}

// onExpire resolves a ballot that ran out the clock, exactly like the
// short-circuit path.
func (s *Branch) onExpire(c *Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clock != c || s.phase != branchVoting {
		return
	}
	s.clock = nil
	if err := s.finalizeVoteLocked(context.Background()); err != nil {
		log.Error().Err(err).Str("module", "session.branch").Str("story", string(s.storyID)).Msg("finalize after vote timeout")
	}
}

func (s *Branch) persistPartLocked(ctx context.Context, author domain.AuthorType, authorID domain.UserID, text, nodeID string) (domain.StoryPart, error) {
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
