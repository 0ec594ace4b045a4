package socket

import (
	"encoding/json"
	"time"

	"checksync/internal/checklist/model"
)

// Wire-level event names. Clients and server must agree on these exactly.
const (
	// client -> server
	EventJoin      = "join-collaboration"
	EventLeave     = "leave-collaboration"
	EventToggle    = "toggle-item"
	EventUpdate    = "update-item"
	EventHeartbeat = "heartbeat"

	// server -> client
	EventUserJoined   = "user-joined"
	EventUserLeft     = "user-left"
	EventUsersOnline  = "users-online"
	EventItemChecked  = "item-checked"
	EventItemUpdated  = "item-updated"
	EventItemAdded    = "item-added"
	EventItemDeleted  = "item-deleted"
	EventCompleted    = "collaboration-completed"
	EventNotification = "notification"
)

// Notification types, so clients can distinguish "ask the owner"
// from "this doesn't exist".
const (
	NoticeError     = "error"
	NoticeWarning   = "warning"
	NoticeSuccess   = "success"
	NoticeNotFound  = "not-found"
	NoticeDenied    = "permission-denied"
	NoticeRateLimit = "rate-limited"
)

// Envelope is the framing for every websocket message in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(event string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Payload: raw}, nil
}

type JoinPayload struct {
	ChecklistID string                  `json:"checklistId"`
	ShareCode   string                  `json:"shareCode"`
	User        model.CollaborationUser `json:"user"`
}

type LeavePayload struct {
	ChecklistID string `json:"checklistId"`
}

type TogglePayload struct {
	ItemID      string `json:"itemId"`
	IsCompleted bool   `json:"isCompleted"`
}

type UpdatePayload struct {
	ItemID  string         `json:"itemId"`
	Updates map[string]any `json:"updates"`
}

type UserJoinedPayload struct {
	User        model.CollaborationUser `json:"user"`
	OnlineCount int                     `json:"onlineCount"`
}

type UserLeftPayload struct {
	UserID      string `json:"userId"`
	OnlineCount int    `json:"onlineCount"`
}

type UsersOnlinePayload struct {
	Users []model.CollaborationUser `json:"users"`
}

type ItemCheckedPayload struct {
	ItemID      string                  `json:"itemId"`
	IsCompleted bool                    `json:"isCompleted"`
	CheckedBy   model.CollaborationUser `json:"checkedBy"`
	Timestamp   time.Time               `json:"timestamp"`
}

type ItemUpdatedPayload struct {
	ItemID    string                  `json:"itemId"`
	Updates   map[string]any          `json:"updates"`
	UpdatedBy model.CollaborationUser `json:"updatedBy"`
}

type ItemAddedPayload struct {
	Item    model.ChecklistItem     `json:"item"`
	AddedBy model.CollaborationUser `json:"addedBy"`
}

type ItemDeletedPayload struct {
	ItemID    string                  `json:"itemId"`
	DeletedBy model.CollaborationUser `json:"deletedBy"`
}

type CompletedPayload struct {
	ChecklistID string                  `json:"checklistId"`
	CompletedBy model.CollaborationUser `json:"completedBy"`
}

type NotificationPayload struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}
