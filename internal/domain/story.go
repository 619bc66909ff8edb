package domain

import "time"

type AuthorType string

const (
	AuthorAI      AuthorType = "ai"
	AuthorStudent AuthorType = "student"
)

// StoryPart is one finalized chunk of story text. Immutable once persisted;
// Order is 1-based, strictly increasing and unique per story.
type StoryPart struct {
	ID           string     `json:"id"`
	StoryID      StoryID    `json:"storyId"`
	AuthorType   AuthorType `json:"authorType"`
	AuthorID     UserID     `json:"authorId,omitempty"`
	Text         string     `json:"text"`
	Order        int        `json:"order"`
	BranchNodeID string     `json:"branchNodeId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Hint is one AI writing suggestion offered to a stuck student.
type Hint struct {
	Text      string `json:"text"`
	Direction string `json:"direction"`
}

// Verdict is the moderation result for a candidate submission.
type Verdict struct {
	Safe       bool   `json:"safe"`
	Reason     string `json:"reason,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}
