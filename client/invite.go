package client

import (
	"encoding/json"
	"net/url"
	"os"
	"regexp"
	"sync"
	"time"

	"checksync/pkg/logger"
)

// InvitationTTL is how long a captured invitation stays redeemable.
const InvitationTTL = 7 * 24 * time.Hour

var joinLinkPattern = regexp.MustCompile(`/join/([A-Za-z0-9]+)`)

// PendingInvitation is a share-code invitation captured before the user was
// ready to act on it, typically from a deep link opened pre-signup.
type PendingInvitation struct {
	ShareCode       string    `json:"shareCode"`
	ChecklistTitle  string    `json:"checklistTitle,omitempty"`
	InviterNickname string    `json:"inviterNickname,omitempty"`
	SourceURL       string    `json:"sourceUrl,omitempty"`
	CapturedAt      time.Time `json:"capturedAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

func (p *PendingInvitation) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// InvitationStore holds at most one pending invitation and persists it so
// an invite captured before signup survives the app restart that follows.
type InvitationStore struct {
	mu      sync.Mutex
	path    string
	pending *PendingInvitation
	now     func() time.Time
}

func NewInvitationStore(path string) *InvitationStore {
	s := &InvitationStore{path: path, now: time.Now}
	s.load()
	return s
}

// CaptureLink extracts a share code from an invite URL of the form
// https://host/join/CODE. Returns false when the URL is not an invite link.
func (s *InvitationStore) CaptureLink(link string) (*PendingInvitation, bool) {
	m := joinLinkPattern.FindStringSubmatch(link)
	if m == nil {
		return nil, false
	}
	inv := &PendingInvitation{
		ShareCode:  m[1],
		SourceURL:  link,
		CapturedAt: s.now(),
		ExpiresAt:  s.now().Add(InvitationTTL),
	}
	s.set(inv)
	return inv, true
}

// CaptureReferrer extracts an invitation from install-referrer style query
// parameters (shareCode, inviter, title).
func (s *InvitationStore) CaptureReferrer(referrer string) (*PendingInvitation, bool) {
	values, err := url.ParseQuery(referrer)
	if err != nil {
		return nil, false
	}
	code := values.Get("shareCode")
	if code == "" {
		return nil, false
	}
	inv := &PendingInvitation{
		ShareCode:       code,
		InviterNickname: values.Get("inviter"),
		ChecklistTitle:  values.Get("title"),
		CapturedAt:      s.now(),
		ExpiresAt:       s.now().Add(InvitationTTL),
	}
	s.set(inv)
	return inv, true
}

// Pending returns the stored invitation, dropping it first if it expired.
func (s *InvitationStore) Pending() (*PendingInvitation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil, false
	}
	if s.pending.Expired(s.now()) {
		logger.Sugar.Infof("Discarding expired invitation for code %s", s.pending.ShareCode)
		s.pending = nil
		s.persistLocked()
		return nil, false
	}
	inv := *s.pending
	return &inv, true
}

// Clear removes the stored invitation, whether accepted or declined.
func (s *InvitationStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.persistLocked()
}

func (s *InvitationStore) set(inv *PendingInvitation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = inv
	s.persistLocked()
}

func (s *InvitationStore) persistLocked() {
	if s.path == "" {
		return
	}
	if s.pending == nil {
		os.Remove(s.path)
		return
	}
	raw, err := json.Marshal(s.pending)
	if err != nil {
		logger.Sugar.Warnf("Failed to marshal invitation: %v", err)
		return
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		logger.Sugar.Warnf("Failed to persist invitation: %v", err)
	}
}

func (s *InvitationStore) load() {
	if s.path == "" {
		return
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var inv PendingInvitation
	if err := json.Unmarshal(raw, &inv); err != nil {
		logger.Sugar.Warnf("Failed to parse stored invitation: %v", err)
		return
	}
	if !inv.Expired(time.Now()) {
		s.pending = &inv
	}
}
