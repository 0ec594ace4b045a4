package socket

import (
	"sync"
	"time"

	"checksync/internal/checklist/model"
	"checksync/pkg/logger"
)

// Staleness defaults: members silent for longer than StaleAfter are
// force-left on the next reap pass.
const (
	StaleAfter   = 5 * time.Minute
	ReapInterval = 5 * time.Minute
)

type roomState int

const (
	roomActive roomState = iota
	roomEmpty
)

type member struct {
	user         model.CollaborationUser
	lastActivity time.Time
}

type presenceRoom struct {
	state   roomState
	members map[string]*member // userID -> member
}

// Reaped describes a member force-left by the stale reaper.
type Reaped struct {
	RoomID      string
	UserID      string
	OnlineCount int
}

// Presence is the authoritative record of who is connected to which room.
// It owns room lifecycle (empty -> active -> empty); destroying a room also
// clears the nickname arbiter's registry for it.
type Presence struct {
	mu      sync.Mutex
	rooms   map[string]*presenceRoom
	arbiter *NicknameArbiter

	now func() time.Time
}

func NewPresence(arbiter *NicknameArbiter) *Presence {
	return &Presence{
		rooms:   make(map[string]*presenceRoom),
		arbiter: arbiter,
		now:     time.Now,
	}
}

// Join adds the user to the room's member set, creating the room on first
// join. Re-joining with the same user id replaces the stale entry. Returns
// the room's online count after the join.
func (p *Presence) Join(roomID string, user model.CollaborationUser) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.rooms[roomID]
	if r == nil {
		r = &presenceRoom{state: roomActive, members: make(map[string]*member)}
		p.rooms[roomID] = r
	}
	if prev, ok := r.members[user.ID]; ok && prev.user.Nickname != user.Nickname {
		// Stale entry from a dropped connection; its nickname claim goes too.
		p.arbiter.Release(roomID, prev.user.Nickname)
	}
	r.members[user.ID] = &member{user: user, lastActivity: p.now()}
	return len(r.members)
}

// Leave removes the user and returns the departed user plus the remaining
// count. The boolean is false when the user was not a member. Removing the
// last member destroys the room and clears its nickname registry.
func (p *Presence) Leave(roomID, userID string) (model.CollaborationUser, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(roomID, userID)
}

func (p *Presence) removeLocked(roomID, userID string) (model.CollaborationUser, int, bool) {
	r := p.rooms[roomID]
	if r == nil {
		return model.CollaborationUser{}, 0, false
	}
	m, ok := r.members[userID]
	if !ok {
		return model.CollaborationUser{}, len(r.members), false
	}
	delete(r.members, userID)
	p.arbiter.Release(roomID, m.user.Nickname)

	count := len(r.members)
	if count == 0 {
		// active -> empty transition: destroy the room outright.
		r.state = roomEmpty
		delete(p.rooms, roomID)
		p.arbiter.Clear(roomID)
		logger.Sugar.Infof("Room %s emptied, state cleared", roomID)
	}
	return m.user, count, true
}

// ListOnline returns a snapshot of the room's members, used to seed a
// newly-joined client.
func (p *Presence) ListOnline(roomID string) []model.CollaborationUser {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.rooms[roomID]
	if r == nil {
		return nil
	}
	users := make([]model.CollaborationUser, 0, len(r.members))
	for _, m := range r.members {
		users = append(users, m.user)
	}
	return users
}

// Contains reports whether the user is currently a member of the room.
func (p *Presence) Contains(roomID, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.rooms[roomID]
	if r == nil {
		return false
	}
	_, ok := r.members[userID]
	return ok
}

// Touch refreshes the member's last-activity timestamp. Fed by heartbeats.
func (p *Presence) Touch(roomID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r := p.rooms[roomID]; r != nil {
		if m, ok := r.members[userID]; ok {
			m.lastActivity = p.now()
		}
	}
}

// ReapStale force-leaves every member idle for longer than maxIdle, as if
// it had called Leave. Guards against sockets that die without a clean
// disconnect. Returns the reaped members so the caller can broadcast
// user-left events.
func (p *Presence) ReapStale(maxIdle time.Duration) []Reaped {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-maxIdle)
	var reaped []Reaped
	for roomID, r := range p.rooms {
		var stale []string
		for userID, m := range r.members {
			if m.lastActivity.Before(cutoff) {
				stale = append(stale, userID)
			}
		}
		for _, userID := range stale {
			if _, count, ok := p.removeLocked(roomID, userID); ok {
				reaped = append(reaped, Reaped{RoomID: roomID, UserID: userID, OnlineCount: count})
			}
		}
	}
	if len(reaped) > 0 {
		logger.Sugar.Infof("Reaped %d stale presence entries", len(reaped))
	}
	return reaped
}
