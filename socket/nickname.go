package socket

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"checksync/pkg/logger"
)

// Resolution is the outcome of claiming a nickname in a room.
type Resolution struct {
	Original    string   `json:"originalNickname"`
	Resolved    string   `json:"resolvedNickname"`
	Conflict    bool     `json:"conflictResolved"`
	Suggestions []string `json:"suggestions"`
}

var emojiSuffixes = []string{"🎯", "⭐", "🚀", "🎨", "🎪", "🎭", "🎸", "🎲", "🎳", "🎺"}

// NicknameArbiter guarantees nickname uniqueness inside a single room.
// Conflicts are resolved server-side without any client round-trip.
type NicknameArbiter struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{} // roomID -> set of resolved nicknames

	now func() time.Time
}

func NewNicknameArbiter() *NicknameArbiter {
	return &NicknameArbiter{
		rooms: make(map[string]map[string]struct{}),
		now:   time.Now,
	}
}

// Claim registers the desired nickname in the room, resolving collisions:
// numeric suffixes 2..99 first, then an emoji palette, then the low-order
// four digits of the current timestamp as a last resort.
// The registry always records the resolved name, never the requested one.
func (a *NicknameArbiter) Claim(roomID, desired string) Resolution {
	a.mu.Lock()
	defer a.mu.Unlock()

	taken := a.rooms[roomID]
	if taken == nil {
		taken = make(map[string]struct{})
		a.rooms[roomID] = taken
	}

	normalized := strings.TrimSpace(desired)
	if _, exists := taken[normalized]; !exists {
		taken[normalized] = struct{}{}
		return Resolution{Original: desired, Resolved: normalized}
	}

	resolved, suggestions := resolveConflict(taken, normalized, a.now)
	taken[resolved] = struct{}{}
	logger.Sugar.Infof("Nickname conflict in room %s: %q -> %q", roomID, normalized, resolved)
	return Resolution{
		Original:    desired,
		Resolved:    resolved,
		Conflict:    true,
		Suggestions: suggestions,
	}
}

func resolveConflict(taken map[string]struct{}, nickname string, now func() time.Time) (string, []string) {
	var suggestions []string

	for i := 2; i <= 99; i++ {
		candidate := fmt.Sprintf("%s%d", nickname, i)
		suggestions = append(suggestions, candidate)
		if _, exists := taken[candidate]; !exists {
			if len(suggestions) > 3 {
				suggestions = suggestions[:3]
			}
			return candidate, suggestions
		}
	}

	for _, emoji := range emojiSuffixes {
		candidate := nickname + emoji
		suggestions = append(suggestions, candidate)
		if _, exists := taken[candidate]; !exists {
			if len(suggestions) > 5 {
				suggestions = suggestions[len(suggestions)-5:]
			}
			return candidate, suggestions
		}
	}

	// Pathological case: everything is taken. The timestamp suffix has a
	// small residual collision risk which we accept.
	ts := fmt.Sprintf("%d", now().UnixMilli())
	candidate := fmt.Sprintf("%s_%s", nickname, ts[len(ts)-4:])
	if len(suggestions) > 3 {
		suggestions = suggestions[len(suggestions)-3:]
	}
	return candidate, suggestions
}

// Release removes a resolved nickname from the room's registry.
// Releasing a nickname that isn't registered is a no-op, which keeps
// double-cleanup on disconnect races harmless.
func (a *NicknameArbiter) Release(roomID, nickname string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	taken, ok := a.rooms[roomID]
	if !ok {
		return
	}
	delete(taken, nickname)
	if len(taken) == 0 {
		delete(a.rooms, roomID)
	}
}

// Taken reports whether a nickname is currently registered in the room.
func (a *NicknameArbiter) Taken(roomID, nickname string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	taken, ok := a.rooms[roomID]
	if !ok {
		return false
	}
	_, exists := taken[strings.TrimSpace(nickname)]
	return exists
}

// Clear drops the whole registry for a room. Called when the last
// participant leaves; skipping it would leak nicknames across the
// process lifetime.
func (a *NicknameArbiter) Clear(roomID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.rooms, roomID)
}

var bannedNicknameWords = []string{"admin", "system", "bot", "null", "undefined"}

var (
	ErrNicknameEmpty    = errors.New("nickname is empty")
	ErrNicknameTooShort = errors.New("nickname must be at least 2 characters")
	ErrNicknameTooLong  = errors.New("nickname must be at most 20 characters")
	ErrNicknameBanned   = errors.New("nickname contains a reserved word")
)

// ValidateNickname sanitizes a requested nickname before it enters the
// arbiter. Returns the trimmed nickname on success.
func ValidateNickname(nickname string) (string, error) {
	trimmed := strings.TrimSpace(nickname)
	if trimmed == "" {
		return "", ErrNicknameEmpty
	}
	n := utf8.RuneCountInString(trimmed)
	if n < 2 {
		return "", ErrNicknameTooShort
	}
	if n > 20 {
		return "", ErrNicknameTooLong
	}
	lower := strings.ToLower(trimmed)
	for _, banned := range bannedNicknameWords {
		if strings.Contains(lower, banned) {
			return "", ErrNicknameBanned
		}
	}
	return trimmed, nil
}
