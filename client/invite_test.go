package client

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureLinkExtractsShareCode(t *testing.T) {
	s := NewInvitationStore(filepath.Join(t.TempDir(), "invite.json"))

	inv, ok := s.CaptureLink("https://checksync.app/join/ABCD2345")
	require.True(t, ok)
	assert.Equal(t, "ABCD2345", inv.ShareCode)
	assert.Equal(t, "https://checksync.app/join/ABCD2345", inv.SourceURL)

	pending, ok := s.Pending()
	require.True(t, ok)
	assert.Equal(t, "ABCD2345", pending.ShareCode)
}

func TestCaptureLinkRejectsOtherURLs(t *testing.T) {
	s := NewInvitationStore("")

	_, ok := s.CaptureLink("https://checksync.app/settings")
	assert.False(t, ok)

	_, ok = s.Pending()
	assert.False(t, ok)
}

func TestCaptureReferrerParsesParams(t *testing.T) {
	s := NewInvitationStore("")

	inv, ok := s.CaptureReferrer("shareCode=WXYZ7890&inviter=Kim&title=Groceries")
	require.True(t, ok)
	assert.Equal(t, "WXYZ7890", inv.ShareCode)
	assert.Equal(t, "Kim", inv.InviterNickname)
	assert.Equal(t, "Groceries", inv.ChecklistTitle)

	_, ok = s.CaptureReferrer("utm_source=ads")
	assert.False(t, ok)
}

func TestPendingDropsExpiredInvitation(t *testing.T) {
	s := NewInvitationStore("")
	current := time.Now()
	s.now = func() time.Time { return current }

	_, ok := s.CaptureLink("https://checksync.app/join/ABCD2345")
	require.True(t, ok)

	current = current.Add(InvitationTTL + time.Hour)
	_, ok = s.Pending()
	assert.False(t, ok)
}

func TestInvitationSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invite.json")

	s := NewInvitationStore(path)
	_, ok := s.CaptureLink("https://checksync.app/join/ABCD2345")
	require.True(t, ok)

	reloaded := NewInvitationStore(path)
	pending, ok := reloaded.Pending()
	require.True(t, ok)
	assert.Equal(t, "ABCD2345", pending.ShareCode)

	reloaded.Clear()
	fresh := NewInvitationStore(path)
	_, ok = fresh.Pending()
	assert.False(t, ok)
}
