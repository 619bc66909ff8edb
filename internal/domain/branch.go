package domain

type NodeStatus string

const (
	NodeVoting  NodeStatus = "voting"
	NodeDecided NodeStatus = "decided"
)

// BranchChoice is one AI-proposed direction on a ballot.
type BranchChoice struct {
	Index       int    `json:"index"`
	Text        string `json:"text"`
	Description string `json:"description"`
}

// BranchNode is one voting point in the branch tree. Created at ballot open,
// mutated exactly once when the ballot is decided, never deleted.
// SelectedIdx is set if and only if Status is NodeDecided.
type BranchNode struct {
	ID          string         `json:"id"`
	StoryID     StoryID        `json:"storyId"`
	ParentID    string         `json:"parentId,omitempty"`
	Depth       int            `json:"depth"`
	Choices     []BranchChoice `json:"choices"`
	SelectedIdx *int           `json:"selectedIdx,omitempty"`
	VoteResult  map[int]int    `json:"voteResult,omitempty"`
	Status      NodeStatus     `json:"status"`
}
