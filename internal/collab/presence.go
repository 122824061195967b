package collab

import "sort"

// Presence tracks which users are attached to one document. Entries are
// deduplicated by user id: a second session for the same user attaches to
// the existing entry, and join/leave events fire only on the first attach
// and the last detach. Owned by the coordinator, not concurrency-safe.
type Presence struct {
	members map[string]*presenceEntry
}

type presenceEntry struct {
	member   Member
	sessions int
}

func NewPresence() *Presence {
	return &Presence{members: make(map[string]*presenceEntry)}
}

// Join attaches one session for the user and reports whether it was the
// user's first.
func (p *Presence) Join(user User) (Member, bool) {
	if entry, ok := p.members[user.ID]; ok {
		entry.sessions++
		return entry.member, false
	}
	member := Member{UserID: user.ID, UserName: user.Name, Color: ColorFor(user.ID)}
	p.members[user.ID] = &presenceEntry{member: member, sessions: 1}
	return member, true
}

// Leave detaches one session and reports whether it was the user's last.
// Leaving without a matching join is a no-op.
func (p *Presence) Leave(userID string) (Member, bool) {
	entry, ok := p.members[userID]
	if !ok {
		return Member{}, false
	}
	entry.sessions--
	if entry.sessions > 0 {
		return entry.member, false
	}
	delete(p.members, userID)
	return entry.member, true
}

// Members returns the presence set ordered by user id.
func (p *Presence) Members() []Member {
	out := make([]Member, 0, len(p.members))
	for _, entry := range p.members {
		out = append(out, entry.member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (p *Presence) Count() int { return len(p.members) }
