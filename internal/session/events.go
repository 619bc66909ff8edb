package session

import "github.com/jeongdon-heo/story-together/internal/domain"

// Broadcaster fans events out to every connection subscribed to a story
// room, or targets a single connection. Implemented by the websocket hub.
type Broadcaster interface {
	Broadcast(storyID domain.StoryID, event string, payload any)
	SendTo(connID domain.ConnID, event string, payload any)
}

// Room-scoped event names. These are the wire contract clients depend on.
const (
	EvtParticipantJoined = "participant_joined"
	EvtParticipantLeft   = "participant_left"
	EvtTurnChanged       = "turn_changed"
	EvtTimerTick         = "timer_tick"
	EvtTimerExpired      = "timer_expired"
	EvtStudentSubmitted  = "student_submitted"
	EvtAIWriting         = "ai_writing"
	EvtAIComplete        = "ai_complete"
	EvtContentRejected   = "content_rejected"
	EvtReactionAdded     = "reaction_added"
	EvtStoryCompleted    = "story_completed"

	EvtNewChoices    = "new_choices"
	EvtTreeUpdated   = "tree_updated"
	EvtVoteUpdate    = "vote_update"
	EvtVoteTimerTick = "vote_timer_tick"
	EvtVoteResult    = "vote_result"
	EvtStudentTurn   = "student_turn"

	EvtSessionState    = "session_state"
	EvtRoster          = "roster"
	EvtHintSuggestions = "hint_suggestions"
)

type ParticipantEvent struct {
	Participant domain.Participant `json:"participant"`
}

type TurnChangedEvent struct {
	CurrentStudentID   domain.UserID `json:"currentStudentId"`
	CurrentStudentName string        `json:"currentStudentName"`
	NextStudentID      domain.UserID `json:"nextStudentId"`
	NextStudentName    string        `json:"nextStudentName"`
	TurnNumber         int           `json:"turnNumber"`
}

type TimerTickEvent struct {
	SecondsLeft  int `json:"secondsLeft"`
	TotalSeconds int `json:"totalSeconds"`
}

type TimerExpiredEvent struct {
	SkippedStudentID domain.UserID `json:"skippedStudentId"`
	NextStudentID    domain.UserID `json:"nextStudentId"`
}

type PartEvent struct {
	NewPart domain.StoryPart `json:"newPart"`
}

type ContentRejectedEvent struct {
	Reason     string `json:"reason"`
	Suggestion string `json:"suggestion,omitempty"`
}

type ReactionAddedEvent struct {
	PartID string        `json:"partId"`
	UserID domain.UserID `json:"userId"`
	Emoji  string        `json:"emoji"`
}

type RelayCompletedEvent struct {
	TotalParts   int                  `json:"totalParts"`
	Participants []domain.Participant `json:"participants"`
	CompletedAt  string               `json:"completedAt"`
}

type NewChoicesEvent struct {
	BranchNodeID string                `json:"branchNodeId"`
	Depth        int                   `json:"depth"`
	Choices      []domain.BranchChoice `json:"choices"`
	VoteTimeout  int                   `json:"voteTimeout"`
}

type TreeUpdatedEvent struct {
	NewNode domain.BranchNode `json:"newNode"`
}

type VoteUpdateEvent struct {
	VoteCounts        map[int]int `json:"voteCounts"`
	TotalVotes        int         `json:"totalVotes"`
	TotalParticipants int         `json:"totalParticipants"`
}

type VoteTimerTickEvent struct {
	SecondsLeft int `json:"secondsLeft"`
}

type VoteResultEvent struct {
	SelectedIdx  int         `json:"selectedIdx"`
	SelectedText string      `json:"selectedText"`
	VoteCounts   map[int]int `json:"voteCounts"`
}

type StudentTurnEvent struct {
	CurrentStudentID domain.UserID `json:"currentStudentId"`
}

type BranchCompletedEvent struct {
	TotalBranches  int    `json:"totalBranches"`
	TotalDepth     int    `json:"totalDepth"`
	MainPathLength int    `json:"mainPathLength"`
	CompletedAt    string `json:"completedAt"`
}

type RosterEvent struct {
	Participants []domain.Participant `json:"participants"`
}

type HintSuggestionsEvent struct {
	Hints []domain.Hint `json:"hints"`
}

// SessionStateEvent is the synthesized snapshot sent to a connection that
// joins mid-session, instead of replaying event history.
type SessionStateEvent struct {
	Mode             string               `json:"mode"`
	Phase            string               `json:"phase"`
	Participants     []domain.Participant `json:"participants"`
	CurrentStudentID domain.UserID        `json:"currentStudentId,omitempty"`
	TurnNumber       int                  `json:"turnNumber,omitempty"`
	SecondsLeft      int                  `json:"secondsLeft,omitempty"`
	TotalSeconds     int                  `json:"totalSeconds,omitempty"`
	CurrentNode      *domain.BranchNode   `json:"currentNode,omitempty"`
	VoteCounts       map[int]int          `json:"voteCounts,omitempty"`
	TotalVotes       int                  `json:"totalVotes,omitempty"`
	Parts            []domain.StoryPart   `json:"parts"`
}
