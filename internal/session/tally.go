package session

import (
	"math/rand"

	"github.com/jeongdon-heo/story-together/internal/domain"
)

// Tally collects one choice index per participant for a single open ballot.
// A participant may overwrite their own vote while the ballot is open. Not
// safe for concurrent use; the owning orchestrator's lock covers it.
type Tally struct {
	votes       map[domain.UserID]int
	choiceCount int
	rng         *rand.Rand
}

func NewTally(choiceCount int, rng *rand.Rand) *Tally {
	return &Tally{
		votes:       make(map[domain.UserID]int),
		choiceCount: choiceCount,
		rng:         rng,
	}
}

func (t *Tally) Cast(user domain.UserID, choiceIdx int) error {
	if choiceIdx < 0 || choiceIdx >= t.choiceCount {
		return ErrBadChoice
	}
	t.votes[user] = choiceIdx
	return nil
}

func (t *Tally) Total() int { return len(t.votes) }

// Counts returns the running per-choice totals for live broadcast. Choices
// with zero votes are omitted.
func (t *Tally) Counts() map[int]int {
	counts := make(map[int]int)
	for _, idx := range t.votes {
		counts[idx]++
	}
	return counts
}

// Winner is the index with the highest count; ties break toward the lowest
// index. With zero votes cast the winner is a uniformly random index, so a
// deserted ballot still resolves.
func (t *Tally) Winner() int {
	if len(t.votes) == 0 {
		return t.rng.Intn(t.choiceCount)
	}
	counts := t.Counts()
	winner, best := 0, -1
	for idx := 0; idx < t.choiceCount; idx++ {
		if c := counts[idx]; c > best {
			winner, best = idx, c
		}
	}
	return winner
}
