package session

import "github.com/jeongdon-heo/story-together/internal/domain"

// roster is the member list of one live session. Entries are appended on
// first sight and only ever marked offline afterwards, so indices stay
// stable for the rotation cursors. Not safe for concurrent use; the owning
// orchestrator's lock covers it.
type roster struct {
	members []*domain.Participant
}

func newRoster(members []domain.Participant) *roster {
	r := &roster{members: make([]*domain.Participant, 0, len(members))}
	for i := range members {
		m := members[i]
		r.members = append(r.members, &m)
	}
	return r
}

func (r *roster) size() int { return len(r.members) }

func (r *roster) at(idx int) *domain.Participant { return r.members[idx] }

func (r *roster) byUser(id domain.UserID) (*domain.Participant, int) {
	for i, m := range r.members {
		if m.UserID == id {
			return m, i
		}
	}
	return nil, -1
}

func (r *roster) byConn(id domain.ConnID) (*domain.Participant, int) {
	for i, m := range r.members {
		if m.ConnID == id && id != "" {
			return m, i
		}
	}
	return nil, -1
}

func (r *roster) add(p domain.Participant) *domain.Participant {
	cp := p
	r.members = append(r.members, &cp)
	return &cp
}

func (r *roster) onlineCount() int {
	n := 0
	for _, m := range r.members {
		if m.Online {
			n++
		}
	}
	return n
}

// nextOnline searches forward cyclically from `from`+1 for the next online
// member. With includeFrom it also considers `from` itself (last, after the
// full cycle). Returns -1 when nobody is online.
func (r *roster) nextOnline(from int, includeFrom bool) int {
	n := len(r.members)
	if n == 0 {
		return -1
	}
	for step := 1; step < n; step++ {
		idx := (from + step) % n
		if r.members[idx].Online {
			return idx
		}
	}
	if includeFrom && r.members[from%n].Online {
		return from % n
	}
	return -1
}

// advance applies the turn-advance rule: nearest online member strictly
// after `from`, wrapping around to `from` itself, falling back to plain
// (from+1) mod n when nobody is online so the rotation stays well-defined
// and self-heals on reconnect.
func (r *roster) advance(from int) int {
	if idx := r.nextOnline(from, true); idx >= 0 {
		return idx
	}
	return (from + 1) % len(r.members)
}

func (r *roster) snapshot() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	return out
}
