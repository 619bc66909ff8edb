// Package domain contains entities without logic, just meta-data.
package domain

import "errors"

const MaxDisplayNameLen = 36

var (
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

type (
	UserID  string
	StoryID string
	ConnID  string
)

// Participant is one roster entry of a live story session. Records are never
// removed mid-session; a disconnect only flips Online.
type Participant struct {
	UserID      UserID `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	ConnID      ConnID `json:"-"`
	Online      bool   `json:"online"`
}

// NewParticipant keeps construction and name limits in one place.
func NewParticipant(userID UserID, displayName, color string) (*Participant, error) {
	if len(displayName) == 0 {
		return nil, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &Participant{UserID: userID, DisplayName: displayName, Color: color}, nil
}
