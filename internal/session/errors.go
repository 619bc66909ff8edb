package session

import "errors"

var (
	// ErrNotFound means no live orchestrator (or branch node) matches the id.
	ErrNotFound = errors.New("session not found")
	// ErrSessionExists is returned by a second start for the same story.
	// Callers treat it as a successful no-op.
	ErrSessionExists = errors.New("session already exists")
	// ErrNotYourTurn marks a stale action from a non-current participant.
	// Transports drop it silently; a network race can always produce one.
	ErrNotYourTurn = errors.New("not your turn")
	// ErrWrongPhase marks an action that does not apply to the current phase.
	ErrWrongPhase = errors.New("wrong phase")
	// ErrBadChoice marks a vote for a choice index outside the ballot.
	ErrBadChoice = errors.New("choice index out of range")
)
