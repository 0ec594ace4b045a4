package model

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by store lookups when the record does not exist.
var ErrNotFound = errors.New("not found")

type UserType string

const (
	UserTypeGuest      UserType = "GUEST"
	UserTypeRegistered UserType = "REGISTERED"
)

type Permission string

const (
	PermissionRead   Permission = "READ"
	PermissionWrite  Permission = "WRITE"
	PermissionDelete Permission = "DELETE"
	PermissionInvite Permission = "INVITE"
	PermissionManage Permission = "MANAGE"
)

// AllPermissions is the owner's permission set.
func AllPermissions() []Permission {
	return []Permission{PermissionRead, PermissionWrite, PermissionDelete, PermissionInvite, PermissionManage}
}

// CollaborationUser is the participant projection shared over the wire.
// Nickname uniqueness is scoped to a single room, not global.
type CollaborationUser struct {
	ID       string   `json:"id"`
	Nickname string   `json:"nickname"`
	Color    string   `json:"color"`
	UserType UserType `json:"userType"`
	Avatar   string   `json:"avatar,omitempty"`
	IsOnline bool     `json:"isOnline"`
}

type Checklist struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	OwnerID         string     `json:"ownerId"`
	ShareCode       string     `json:"shareCode"`
	IsCollaborative bool       `json:"isCollaborative"`
	LinkExpiresAt   *time.Time `json:"linkExpiresAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// LinkExpired reports whether the checklist's share link has expired.
func (c *Checklist) LinkExpired(now time.Time) bool {
	return c.LinkExpiresAt != nil && c.LinkExpiresAt.Before(now)
}

// ChecklistItem carries the three fields the realtime layer mutates
// (IsCompleted, CheckedBy, CheckedAt); everything else is opaque payload.
type ChecklistItem struct {
	ID          string     `json:"id"`
	ChecklistID string     `json:"checklistId"`
	Title       string     `json:"title"`
	Position    int        `json:"position"`
	IsCompleted bool       `json:"isCompleted"`
	CheckedBy   *string    `json:"checkedBy,omitempty"`
	CheckedAt   *time.Time `json:"checkedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Collaboration is the persisted membership record, distinct from live presence.
type Collaboration struct {
	ChecklistID   string       `json:"checklistId"`
	UserID        string       `json:"userId"`
	Role          string       `json:"role"`
	Permissions   []Permission `json:"permissions"`
	GuestNickname string       `json:"guestNickname"`
	GuestColor    string       `json:"guestColor"`
	IsActive      bool         `json:"isActive"`
	LastActiveAt  time.Time    `json:"lastActiveAt"`
}

// HasAll reports whether the membership grants every requested permission.
func (c *Collaboration) HasAll(required []Permission) bool {
	for _, want := range required {
		found := false
		for _, have := range c.Permissions {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type HistoryAction string

const (
	HistoryChecked   HistoryAction = "CHECKED"
	HistoryUnchecked HistoryAction = "UNCHECKED"
	HistoryEdited    HistoryAction = "EDITED"
	HistoryAdded     HistoryAction = "ADDED"
	HistoryDeleted   HistoryAction = "DELETED"
)

type CheckHistory struct {
	ID          string          `json:"id"`
	ItemID      string          `json:"itemId"`
	ChecklistID string          `json:"checklistId"`
	UserID      string          `json:"userId"`
	Action      HistoryAction   `json:"action"`
	NewValue    json.RawMessage `json:"newValue,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

type CreateChecklistRequest struct {
	Title           string   `json:"title"`
	IsCollaborative bool     `json:"isCollaborative"`
	Items           []string `json:"items"`
}

type CreateChecklistResponse struct {
	ChecklistID string `json:"checklistId"`
	ShareCode   string `json:"shareCode"`
}

type AddItemRequest struct {
	Title    string `json:"title"`
	Position int    `json:"position"`
}

type ToggleItemRequest struct {
	IsCompleted bool   `json:"isCompleted"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type UpdateItemRequest struct {
	Updates map[string]any `json:"updates"`
}
