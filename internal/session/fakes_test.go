package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jeongdon-heo/story-together/internal/domain"
)

// recordedEvent is one Broadcast or SendTo observed by the fake hub.
type recordedEvent struct {
	Event   string
	ConnID  domain.ConnID // empty for broadcasts
	Payload any
}

// fakeEvents records everything the orchestrators emit. Clock callbacks
// and fire-and-forget effects arrive from other goroutines, so access is
// locked.
type fakeEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEvents) Broadcast(_ domain.StoryID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{Event: event, Payload: payload})
}

func (f *fakeEvents) SendTo(connID domain.ConnID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{Event: event, ConnID: connID, Payload: payload})
}

func (f *fakeEvents) byName(event string) []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedEvent
	for _, e := range f.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeEvents) last(event string) (recordedEvent, bool) {
	matches := f.byName(event)
	if len(matches) == 0 {
		return recordedEvent{}, false
	}
	return matches[len(matches)-1], true
}

func (f *fakeEvents) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Event)
	}
	return out
}

// scriptGen returns canned text, or fails when failAll is set.
type scriptGen struct {
	mu           sync.Mutex
	continuation string
	ending       string
	choices      []domain.BranchChoice
	hints        []domain.Hint
	failAll      bool
	calls        []string
}

func (g *scriptGen) Continuation(context.Context, []domain.StoryPart, int, string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "continuation")
	if g.failAll {
		return "", errors.New("generator down")
	}
	return g.continuation, nil
}

func (g *scriptGen) ContinuationForChoice(_ context.Context, _ []domain.StoryPart, choice domain.BranchChoice, _ int, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "continuationForChoice:"+choice.Text)
	if g.failAll {
		return "", errors.New("generator down")
	}
	return g.continuation, nil
}

func (g *scriptGen) Ending(context.Context, []domain.StoryPart, int, string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "ending")
	if g.failAll {
		return "", errors.New("generator down")
	}
	return g.ending, nil
}

func (g *scriptGen) Hints(context.Context, []domain.StoryPart, int, string) ([]domain.Hint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "hints")
	if g.failAll {
		return nil, errors.New("generator down")
	}
	return g.hints, nil
}

func (g *scriptGen) BranchChoices(context.Context, []domain.StoryPart, int, int) ([]domain.BranchChoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "branchChoices")
	if g.failAll {
		return nil, errors.New("generator down")
	}
	return g.choices, nil
}

func (g *scriptGen) set(fn func(*scriptGen)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

// fakeMod rejects any text listed in reject; everything else is safe.
type fakeMod struct {
	reject map[string]string // text -> reason
}

func (m *fakeMod) Moderate(_ context.Context, text string, _ int) (domain.Verdict, error) {
	if reason, ok := m.reject[text]; ok {
		return domain.Verdict{Safe: false, Reason: reason}, nil
	}
	return domain.Verdict{Safe: true}, nil
}

// memStore is an in-memory PartStore.
type memStore struct {
	mu        sync.Mutex
	parts     []domain.StoryPart
	nodes     []domain.BranchNode
	votes     map[string]int // nodeID/userID -> choiceIdx
	decided   map[string]int // nodeID -> selectedIdx
	completed []domain.StoryID
	failPart  bool
}

func newMemStore() *memStore {
	return &memStore{votes: make(map[string]int), decided: make(map[string]int)}
}

func (s *memStore) InsertPart(_ context.Context, part domain.StoryPart) (domain.StoryPart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPart {
		return domain.StoryPart{}, errors.New("insert failed")
	}
	s.parts = append(s.parts, part)
	return part, nil
}

func (s *memStore) InsertBranchNode(_ context.Context, node domain.BranchNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = append(s.nodes, node)
	return nil
}

func (s *memStore) DecideBranchNode(_ context.Context, nodeID string, selectedIdx int, _ map[int]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decided[nodeID] = selectedIdx
	return nil
}

func (s *memStore) UpsertVote(_ context.Context, nodeID string, userID domain.UserID, choiceIdx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes[nodeID+"/"+string(userID)] = choiceIdx
	return nil
}

func (s *memStore) MarkStoryCompleted(_ context.Context, storyID domain.StoryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, storyID)
	return nil
}

func (s *memStore) partCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parts)
}

// fakeClassroom serves a fixed roster and counts awards.
type fakeClassroom struct {
	mu      sync.Mutex
	members []domain.Participant
	err     error
	awards  map[domain.UserID]int
}

func (c *fakeClassroom) ClassMembers(context.Context, domain.StoryID) ([]domain.Participant, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.members, nil
}

func (c *fakeClassroom) AwardParticipation(_ context.Context, userID domain.UserID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.awards == nil {
		c.awards = make(map[domain.UserID]int)
	}
	c.awards[userID]++
	return nil
}

func (c *fakeClassroom) RecordReaction(context.Context, domain.StoryID, string, domain.UserID, string) error {
	return nil
}

func member(id, name string) domain.Participant {
	return domain.Participant{UserID: domain.UserID(id), DisplayName: name}
}

func online(id, name, conn string) domain.Participant {
	return domain.Participant{UserID: domain.UserID(id), DisplayName: name, ConnID: domain.ConnID(conn), Online: true}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func testDeps(ev *fakeEvents, gen *scriptGen, mod *fakeMod, store *memStore, class *fakeClassroom) Deps {
	if ev == nil {
		ev = &fakeEvents{}
	}
	if gen == nil {
		gen = &scriptGen{continuation: "and then...", ending: "the end."}
	}
	if mod == nil {
		mod = &fakeMod{}
	}
	if store == nil {
		store = newMemStore()
	}
	if class == nil {
		class = &fakeClassroom{}
	}
	return Deps{Gen: gen, Mod: mod, Store: store, Classroom: class, Events: ev}
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func threeChoices() []domain.BranchChoice {
	out := make([]domain.BranchChoice, 3)
	for i := range out {
		out[i] = domain.BranchChoice{Index: i, Text: fmt.Sprintf("direction %d", i)}
	}
	return out
}
