package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"checksync/internal/checklist/model"
	"checksync/internal/checklist/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPerms(t *testing.T) (*PermissionService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPermissionService(repository.NewChecklistRepository(db)), mock
}

func expectChecklist(mock sqlmock.Sqlmock, ownerID string, collaborative bool) {
	now := time.Now()
	mock.ExpectQuery("SELECT .+ FROM checklists WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "owner_id", "share_code", "is_collaborative", "link_expires_at", "created_at", "updated_at"}).
			AddRow("cl-1", "Groceries", ownerID, "ABCD2345", collaborative, nil, now, now))
}

func expectCollaboration(mock sqlmock.Sqlmock, permissions string, active bool) {
	mock.ExpectQuery("SELECT .+ FROM collaborations").
		WillReturnRows(sqlmock.NewRows([]string{"checklist_id", "user_id", "role", "permissions", "guest_nickname", "guest_color", "is_active", "last_active_at"}).
			AddRow("cl-1", "user-1", "MEMBER", permissions, "Kim", "#FF0000", active, time.Now()))
}

func TestOwnerHasEveryPermission(t *testing.T) {
	perms, mock := newMockPerms(t)
	expectChecklist(mock, "user-1", false)

	allowed, err := perms.Check(context.Background(), "user-1", "cl-1", model.AllPermissions()...)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestNonCollaborativeDeniesOthers(t *testing.T) {
	perms, mock := newMockPerms(t)
	expectChecklist(mock, "owner-1", false)

	allowed, err := perms.Check(context.Background(), "user-1", "cl-1", model.PermissionRead)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestActiveMemberNeedsCoveringPermissions(t *testing.T) {
	perms, mock := newMockPerms(t)

	expectChecklist(mock, "owner-1", true)
	expectCollaboration(mock, "{READ,WRITE}", true)
	allowed, err := perms.Check(context.Background(), "user-1", "cl-1", model.PermissionRead, model.PermissionWrite)
	require.NoError(t, err)
	assert.True(t, allowed)

	// The same membership does not cover DELETE.
	expectChecklist(mock, "owner-1", true)
	expectCollaboration(mock, "{READ,WRITE}", true)
	allowed, err = perms.Check(context.Background(), "user-1", "cl-1", model.PermissionDelete)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestInactiveMembershipDenies(t *testing.T) {
	perms, mock := newMockPerms(t)
	expectChecklist(mock, "owner-1", true)
	expectCollaboration(mock, "{READ,WRITE}", false)

	allowed, err := perms.Check(context.Background(), "user-1", "cl-1", model.PermissionRead)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestMissingMembershipDenies(t *testing.T) {
	perms, mock := newMockPerms(t)
	expectChecklist(mock, "owner-1", true)
	mock.ExpectQuery("SELECT .+ FROM collaborations").WillReturnError(sql.ErrNoRows)

	allowed, err := perms.Check(context.Background(), "user-1", "cl-1", model.PermissionRead)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestLookupFailureDenies(t *testing.T) {
	perms, mock := newMockPerms(t)

	mock.ExpectQuery("SELECT .+ FROM checklists").WillReturnError(errors.New("connection reset"))
	allowed, err := perms.Check(context.Background(), "user-1", "cl-1", model.PermissionRead)
	assert.Error(t, err)
	assert.False(t, allowed)

	expectChecklist(mock, "owner-1", true)
	mock.ExpectQuery("SELECT .+ FROM collaborations").WillReturnError(errors.New("connection reset"))
	allowed, err = perms.Check(context.Background(), "user-1", "cl-1", model.PermissionRead)
	assert.Error(t, err)
	assert.False(t, allowed)
}

func TestUnknownChecklistDenies(t *testing.T) {
	perms, mock := newMockPerms(t)
	mock.ExpectQuery("SELECT .+ FROM checklists").WillReturnError(sql.ErrNoRows)

	allowed, err := perms.Check(context.Background(), "user-1", "missing", model.PermissionRead)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.False(t, allowed)
}
