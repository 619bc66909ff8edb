package session

import (
	"context"
	"testing"
	"time"

	"github.com/jeongdon-heo/story-together/internal/domain"
)

func newTestRelay(t *testing.T, cfg Config, deps Deps, members ...domain.Participant) *Relay {
	t.Helper()
	s := NewRelay("story-1", "sess-1", members, cfg, deps, func() {})
	t.Cleanup(s.Shutdown)
	return s
}

func TestRelaySubmitAdvancesRotation(t *testing.T) {
	ev := &fakeEvents{}
	store := newMemStore()
	gen := &scriptGen{continuation: "The dragon woke up."}
	deps := testDeps(ev, gen, nil, store, nil)
	s := newTestRelay(t, Config{}, deps, member("a", "Ana"), member("b", "Ben"), member("c", "Cam"))

	s.Join(online("a", "Ana", "c1"))
	s.Join(online("b", "Ben", "c2"))
	s.Join(online("c", "Cam", "c3"))

	mustNoErr(t, s.Submit(context.Background(), "a", "Once upon a time", ""))

	parts := s.Transcript()
	if len(parts) != 2 {
		t.Fatalf("transcript has %d parts, want 2", len(parts))
	}
	if parts[0].AuthorType != domain.AuthorStudent || parts[0].Order != 1 {
		t.Errorf("part 1 = %+v, want student part with order 1", parts[0])
	}
	if parts[1].AuthorType != domain.AuthorAI || parts[1].Order != 2 {
		t.Errorf("part 2 = %+v, want ai part with order 2", parts[1])
	}
	if parts[1].Text != "The dragon woke up." {
		t.Errorf("ai part text = %q", parts[1].Text)
	}
	if store.partCount() != 2 {
		t.Errorf("store has %d parts, want 2", store.partCount())
	}

	turn, ok := ev.last(EvtTurnChanged)
	if !ok {
		t.Fatal("no turn_changed broadcast")
	}
	tc := turn.Payload.(TurnChangedEvent)
	if tc.CurrentStudentID != "b" || tc.NextStudentID != "c" || tc.TurnNumber != 2 {
		t.Errorf("turn_changed = %+v, want current b, next c, turn 2", tc)
	}
}

func TestRelaySubmitOutOfTurn(t *testing.T) {
	deps := testDeps(nil, nil, nil, nil, nil)
	s := newTestRelay(t, Config{}, deps, member("a", "Ana"), member("b", "Ben"))
	s.Join(online("a", "Ana", "c1"))
	s.Join(online("b", "Ben", "c2"))

	if err := s.Submit(context.Background(), "b", "not my turn", ""); err != ErrNotYourTurn {
		t.Errorf("Submit by non-holder = %v, want ErrNotYourTurn", err)
	}
	if len(s.Transcript()) != 0 {
		t.Error("out-of-turn submit must not persist anything")
	}
}

func TestRelayModerationRejectionKeepsTurn(t *testing.T) {
	ev := &fakeEvents{}
	mod := &fakeMod{reject: map[string]string{"something mean": "unkind words"}}
	deps := testDeps(ev, nil, mod, nil, nil)
	s := newTestRelay(t, Config{}, deps, member("a", "Ana"), member("b", "Ben"))
	s.Join(online("a", "Ana", "c1"))
	s.Join(online("b", "Ben", "c2"))

	mustNoErr(t, s.Submit(context.Background(), "a", "something mean", ""))

	rejected, ok := ev.last(EvtContentRejected)
	if !ok {
		t.Fatal("no content_rejected sent")
	}
	if rejected.ConnID != "c1" {
		t.Errorf("content_rejected went to %q, want the submitter's connection c1", rejected.ConnID)
	}
	if rejected.Payload.(ContentRejectedEvent).Reason != "unkind words" {
		t.Errorf("rejection reason = %+v", rejected.Payload)
	}
	if len(s.Transcript()) != 0 {
		t.Error("rejected text must not be persisted")
	}
	if len(ev.byName(EvtTurnChanged)) != 0 {
		t.Error("rejection must not consume the turn")
	}

	// The same student retries and the turn proceeds normally.
	mustNoErr(t, s.Submit(context.Background(), "a", "something kind", ""))
	if len(s.Transcript()) != 2 {
		t.Errorf("transcript has %d parts after retry, want 2", len(s.Transcript()))
	}
}

func TestRelayGeneratorFailureStillAdvances(t *testing.T) {
	ev := &fakeEvents{}
	gen := &scriptGen{failAll: true}
	deps := testDeps(ev, gen, nil, nil, nil)
	s := newTestRelay(t, Config{}, deps, member("a", "Ana"), member("b", "Ben"))
	s.Join(online("a", "Ana", "c1"))
	s.Join(online("b", "Ben", "c2"))

	err := s.Submit(context.Background(), "a", "Once upon a time", "")
	if err == nil {
		t.Fatal("Submit with a failing generator must surface the error")
	}

	parts := s.Transcript()
	if len(parts) != 1 || parts[0].AuthorType != domain.AuthorStudent {
		t.Fatalf("transcript = %+v, want just the student part", parts)
	}
	turn, ok := ev.last(EvtTurnChanged)
	if !ok {
		t.Fatal("turn must advance even when generation fails")
	}
	if turn.Payload.(TurnChangedEvent).CurrentStudentID != "b" {
		t.Errorf("turn went to %+v, want b", turn.Payload)
	}
}

func TestRelayEmptyRosterDropsActions(t *testing.T) {
	// A story can be provisioned with an empty class list; stray actions
	// against it must be refused, never crash the session.
	deps := testDeps(nil, nil, nil, nil, nil)
	s := newTestRelay(t, Config{}, deps)

	if err := s.Submit(context.Background(), "u1", "anyone there?", ""); err != ErrWrongPhase {
		t.Errorf("Submit on empty roster = %v, want ErrWrongPhase", err)
	}
	if err := s.Pass("u1"); err != ErrWrongPhase {
		t.Errorf("Pass on empty roster = %v, want ErrWrongPhase", err)
	}
	if len(s.Transcript()) != 0 {
		t.Error("empty-roster submit must not persist anything")
	}
}

func TestRelayPass(t *testing.T) {
	ev := &fakeEvents{}
	deps := testDeps(ev, nil, nil, nil, nil)
	s := newTestRelay(t, Config{}, deps, member("a", "Ana"), member("b", "Ben"))
	s.Join(online("a", "Ana", "c1"))
	s.Join(online("b", "Ben", "c2"))

	if err := s.Pass("b"); err != ErrNotYourTurn {
		t.Errorf("Pass by non-holder = %v, want ErrNotYourTurn", err)
	}
	mustNoErr(t, s.Pass("a"))

	turn, _ := ev.last(EvtTurnChanged)
	if turn.Payload.(TurnChangedEvent).CurrentStudentID != "b" {
		t.Errorf("turn after pass = %+v, want b", turn.Payload)
	}
	if len(s.Transcript()) != 0 {
		t.Error("pass must not write any part")
	}
}

func TestRelayTimeoutSkipsHolder(t *testing.T) {
	ev := &fakeEvents{}
	deps := testDeps(ev, nil, nil, nil, nil)
	s := newTestRelay(t, Config{TurnSeconds: 1}, deps, member("a", "Ana"), member("b", "Ben"))

	// Only Ana is online; the countdown skips her and, with nobody else
	// connected, hands the turn straight back.
	s.Join(online("a", "Ana", "c1"))

	waitFor(t, 3*time.Second, func() bool {
		return len(ev.byName(EvtTimerExpired)) > 0
	}, "timer_expired broadcast")

	expired, _ := ev.last(EvtTimerExpired)
	te := expired.Payload.(TimerExpiredEvent)
	if te.SkippedStudentID != "a" || te.NextStudentID != "a" {
		t.Errorf("timer_expired = %+v, want skipped a, next a", te)
	}
	if _, ok := ev.last(EvtTurnChanged); !ok {
		t.Error("expiry must broadcast a fresh turn_changed")
	}
}

func TestRelayOfflineHolderReassignedOnLeave(t *testing.T) {
	ev := &fakeEvents{}
	deps := testDeps(ev, nil, nil, nil, nil)
	s := newTestRelay(t, Config{}, deps, member("a", "Ana"), member("b", "Ben"))
	s.Join(online("a", "Ana", "c1"))
	s.Join(online("b", "Ben", "c2"))

	s.Leave("c1")

	turn, ok := ev.last(EvtTurnChanged)
	if !ok {
		t.Fatal("disconnecting the holder must reassign the turn")
	}
	if turn.Payload.(TurnChangedEvent).CurrentStudentID != "b" {
		t.Errorf("turn after holder left = %+v, want b", turn.Payload)
	}
	// The holder was not skipped by the countdown, so no timer_expired.
	if len(ev.byName(EvtTimerExpired)) != 0 {
		t.Error("reassignment on disconnect must not broadcast timer_expired")
	}
}

func TestRelayOfflineHolderReassignedOnJoin(t *testing.T) {
	ev := &fakeEvents{}
	deps := testDeps(ev, nil, nil, nil, nil)
	s := newTestRelay(t, Config{}, deps, member("a", "Ana"), member("b", "Ben"))

	// Ana holds the turn but never connected; Ben's arrival hands it over.
	s.Join(online("b", "Ben", "c2"))

	turn, ok := ev.last(EvtTurnChanged)
	if !ok {
		t.Fatal("joining past an offline holder must reassign the turn")
	}
	if turn.Payload.(TurnChangedEvent).CurrentStudentID != "b" {
		t.Errorf("turn after join = %+v, want b", turn.Payload)
	}
	if len(ev.byName(EvtTimerExpired)) != 0 {
		t.Error("reassignment on join must not broadcast timer_expired")
	}
}

func TestRelayLateJoinerEntersRotation(t *testing.T) {
	ev := &fakeEvents{}
	deps := testDeps(ev, nil, nil, nil, nil)
	s := newTestRelay(t, Config{}, deps, member("a", "Ana"))
	s.Join(online("a", "Ana", "c1"))

	s.Join(online("z", "Zoe", "c9"))

	roster := s.Roster()
	if len(roster) != 2 {
		t.Fatalf("roster has %d members, want 2", len(roster))
	}
	mustNoErr(t, s.Submit(context.Background(), "a", "hello", ""))
	turn, _ := ev.last(EvtTurnChanged)
	if turn.Payload.(TurnChangedEvent).CurrentStudentID != "z" {
		t.Errorf("turn = %+v, want the late joiner z", turn.Payload)
	}
}

func TestRelayFinish(t *testing.T) {
	ev := &fakeEvents{}
	store := newMemStore()
	gen := &scriptGen{continuation: "and so on", ending: "They lived happily."}
	done := false
	s := NewRelay("story-1", "sess-1", []domain.Participant{member("a", "Ana")}, Config{}, testDeps(ev, gen, nil, store, nil), func() { done = true })
	t.Cleanup(s.Shutdown)
	s.Join(online("a", "Ana", "c1"))
	mustNoErr(t, s.Submit(context.Background(), "a", "The beginning", ""))

	mustNoErr(t, s.Finish(context.Background(), "a"))

	if !done {
		t.Error("Finish must invoke the completion callback")
	}
	completed, ok := ev.last(EvtStoryCompleted)
	if !ok {
		t.Fatal("no story_completed broadcast")
	}
	rc := completed.Payload.(RelayCompletedEvent)
	if rc.TotalParts != 3 {
		t.Errorf("story_completed totalParts = %d, want 3", rc.TotalParts)
	}
	if len(store.completed) != 1 || store.completed[0] != "story-1" {
		t.Errorf("store completed = %v, want [story-1]", store.completed)
	}
	if err := s.Submit(context.Background(), "a", "too late", ""); err != ErrWrongPhase {
		t.Errorf("Submit after completion = %v, want ErrWrongPhase", err)
	}
}

func TestRelayFinishGeneratorFailureLeavesStoryOpen(t *testing.T) {
	gen := &scriptGen{failAll: true}
	deps := testDeps(nil, gen, nil, nil, nil)
	s := newTestRelay(t, Config{}, deps, member("a", "Ana"))
	s.Join(online("a", "Ana", "c1"))

	if err := s.Finish(context.Background(), "a"); err == nil {
		t.Fatal("Finish with a failing generator must surface the error")
	}
	// The session stays live so the teacher can retry.
	gen.set(func(g *scriptGen) {
		g.failAll = false
		g.ending = "The end."
	})
	mustNoErr(t, s.Finish(context.Background(), "a"))
}

func TestRelaySendState(t *testing.T) {
	ev := &fakeEvents{}
	deps := testDeps(ev, nil, nil, nil, nil)
	s := newTestRelay(t, Config{TurnSeconds: 60}, deps, member("a", "Ana"), member("b", "Ben"))
	s.Join(online("a", "Ana", "c1"))
	mustNoErr(t, s.Submit(context.Background(), "a", "hello", ""))

	s.SendState("c9")

	state, ok := ev.last(EvtSessionState)
	if !ok || state.ConnID != "c9" {
		t.Fatalf("session_state not sent to requester, got %+v", state)
	}
	snap := state.Payload.(SessionStateEvent)
	if snap.Mode != "relay" || snap.Phase != "running" {
		t.Errorf("state mode/phase = %s/%s", snap.Mode, snap.Phase)
	}
	if len(snap.Parts) != 2 || snap.TurnNumber != 2 {
		t.Errorf("state = %d parts, turn %d; want 2 parts, turn 2", len(snap.Parts), snap.TurnNumber)
	}
	if snap.TotalSeconds != 60 {
		t.Errorf("state totalSeconds = %d, want 60", snap.TotalSeconds)
	}
}
