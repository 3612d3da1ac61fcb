// Package presence maintains the participant roster for one session, derived
// from join and leave envelopes.
package presence

import (
	"sort"
	"time"
)

type Role string

const (
	RoleHost   Role = "host"
	RoleMember Role = "member"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

type Participant struct {
	UserID      int64
	DisplayName string
	AvatarRef   string
	Role        Role
	Status      Status
	JoinedAt    time.Time
	LastSeenAt  time.Time
}

// Tracker holds at most one participant record per user id. It is not safe
// for concurrent use; the session manager serializes access.
type Tracker struct {
	hostUserID int64
	members    map[int64]Participant
}

func NewTracker(hostUserID int64) *Tracker {
	return &Tracker{
		hostUserID: hostUserID,
		members:    make(map[int64]Participant),
	}
}

// OnJoin inserts or reaffirms a participant as online. A join for a user
// already in the roster is a reconnection, not an error.
func (t *Tracker) OnJoin(userID int64, displayName string, at time.Time) Participant {
	p, ok := t.members[userID]
	if !ok {
		p = Participant{
			UserID:   userID,
			Role:     RoleMember,
			JoinedAt: at,
		}
		if userID == t.hostUserID {
			p.Role = RoleHost
		}
	}
	if displayName != "" {
		p.DisplayName = displayName
	}
	p.Status = StatusOnline
	p.LastSeenAt = at
	t.members[userID] = p
	return p
}

// OnLeave marks the participant offline. The record is retained so chat
// history keeps its attribution.
func (t *Tracker) OnLeave(userID int64, at time.Time) {
	p, ok := t.members[userID]
	if !ok {
		return
	}
	p.Status = StatusOffline
	p.LastSeenAt = at
	t.members[userID] = p
}

// SetStatus applies an explicit presence transition, e.g. away.
func (t *Tracker) SetStatus(userID int64, status Status, at time.Time) {
	p, ok := t.members[userID]
	if !ok {
		return
	}
	p.Status = status
	p.LastSeenAt = at
	t.members[userID] = p
}

// MarkAllOffline is applied on channel disconnect, when presence can no
// longer be observed.
func (t *Tracker) MarkAllOffline(at time.Time) {
	for id, p := range t.members {
		p.Status = StatusOffline
		p.LastSeenAt = at
		t.members[id] = p
	}
}

func (t *Tracker) Get(userID int64) (Participant, bool) {
	p, ok := t.members[userID]
	return p, ok
}

// Online counts participants currently online.
func (t *Tracker) Online() int {
	n := 0
	for _, p := range t.members {
		if p.Status == StatusOnline {
			n++
		}
	}
	return n
}

// Roster returns the participants ordered host first, then by join time.
func (t *Tracker) Roster() []Participant {
	out := make([]Participant, 0, len(t.members))
	for _, p := range t.members {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].Role == RoleHost) != (out[j].Role == RoleHost) {
			return out[i].Role == RoleHost
		}
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
