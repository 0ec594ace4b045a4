package socket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"checksync/internal/checklist/model"
	"checksync/pkg/logger"

	"github.com/google/uuid"
)

// Store is the persistent-store boundary the gateway consumes. All calls are
// request/response; no transactions are assumed across calls. The store is
// the system of record and serializes concurrent writes to the same row
// (last write wins).
type Store interface {
	FindChecklistByIDOrShareCode(ctx context.Context, idOrCode string) (*model.Checklist, error)
	GetItem(ctx context.Context, id string) (*model.ChecklistItem, error)
	ListItems(ctx context.Context, checklistID string) ([]model.ChecklistItem, error)
	SetItemCompletion(ctx context.Context, itemID string, isCompleted bool, checkedBy *string, checkedAt *time.Time) error
	UpdateItemFields(ctx context.Context, itemID string, updates map[string]any) error
	UpsertCollaboration(ctx context.Context, collab model.Collaboration) error
	AppendHistory(ctx context.Context, rec model.CheckHistory) error
}

// PermissionResolver answers whether a user may perform an action requiring
// the given permission set on a checklist. A failed lookup must deny.
type PermissionResolver interface {
	Check(ctx context.Context, userID, checklistID string, required ...model.Permission) (bool, error)
}

// Hub is the realtime session gateway: it owns connection registration and
// per-room fan-out, and dispatches inbound events to the presence registry,
// nickname arbiter, permission resolver, and store. Events from a single
// connection are processed in receipt order; cross-connection ordering is
// delegated to the store's last write.
type Hub struct {
	store    Store
	perms    PermissionResolver
	Presence *Presence
	Arbiter  *NicknameArbiter

	joinLimiter   *RateLimiter
	actionLimiter *RateLimiter

	Register   chan *Client
	Unregister chan *Client

	mu          sync.Mutex
	rooms       map[string]map[*Client]bool
	allComplete map[string]bool // checklistID -> last observed "every item complete"

	// ordMu serializes each item write with its broadcast so every room
	// member observes item events in store order.
	ordMu sync.Mutex
}

func NewHub(store Store, perms PermissionResolver) *Hub {
	arbiter := NewNicknameArbiter()
	return &Hub{
		store:         store,
		perms:         perms,
		Presence:      NewPresence(arbiter),
		Arbiter:       arbiter,
		joinLimiter:   NewRateLimiter(JoinsPerMin, RateWindow),
		actionLimiter: NewRateLimiter(ActionsPerMin, RateWindow),
		Register:      make(chan *Client),
		Unregister:    make(chan *Client),
		rooms:         make(map[string]map[*Client]bool),
		allComplete:   make(map[string]bool),
	}
}

// Run owns the connection lifecycle. Inbound room events are dispatched
// directly from each client's readPump, which preserves per-connection
// ordering without funnelling mutations through a single channel.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			logger.Sugar.Infof("Connection registered for user %s", client.identity.UserID)

		case client := <-h.Unregister:
			h.disconnect(client)
		}
	}
}

// disconnect runs full presence/nickname cleanup for a closing connection.
// It is always attempted, even when the disconnect was itself caused by an
// error.
func (h *Hub) disconnect(c *Client) {
	roomID, _ := c.room()
	if roomID != "" {
		h.departRoom(c, roomID)
	}
	h.joinLimiter.Forget(c.identity.UserID)
	h.actionLimiter.Forget(c.identity.UserID)
	c.closeSend()
	c.conn.Close()
	logger.Sugar.Infof("Connection closed for user %s", c.identity.UserID)
}

// departRoom removes the client from the room on both the hub's fan-out map
// and the presence registry, then tells the remaining members.
func (h *Hub) departRoom(c *Client, roomID string) {
	h.mu.Lock()
	if clients, ok := h.rooms[roomID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, roomID)
			delete(h.allComplete, roomID)
		}
	}
	h.mu.Unlock()

	user, count, ok := h.Presence.Leave(roomID, c.identity.UserID)
	c.setRoom("", model.CollaborationUser{})
	if !ok {
		return
	}
	h.broadcast(roomID, EventUserLeft, UserLeftPayload{UserID: user.ID, OnlineCount: count}, nil)
	logger.Sugar.Infof("%s left room %s (%d online)", user.Nickname, roomID, count)
}

// HandleEvent dispatches one inbound envelope for a connection. Called
// synchronously from the client's readPump.
func (h *Hub) HandleEvent(ctx context.Context, c *Client, env Envelope) {
	switch env.Event {
	case EventJoin:
		var p JoinPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.notify(c, NoticeError, "Invalid request", "Malformed join payload.", nil)
			return
		}
		h.handleJoin(ctx, c, p)

	case EventLeave:
		if roomID, _ := c.room(); roomID != "" {
			h.departRoom(c, roomID)
		}

	case EventToggle:
		var p TogglePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.notify(c, NoticeError, "Invalid request", "Malformed toggle payload.", nil)
			return
		}
		h.handleToggle(ctx, c, p)

	case EventUpdate:
		var p UpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.notify(c, NoticeError, "Invalid request", "Malformed update payload.", nil)
			return
		}
		h.handleUpdate(ctx, c, p)

	case EventHeartbeat:
		if roomID, _ := c.room(); roomID != "" {
			h.Presence.Touch(roomID, c.identity.UserID)
		}

	default:
		logger.Sugar.Warnf("Unknown event %q from user %s", env.Event, c.identity.UserID)
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, p JoinPayload) {
	if !h.joinLimiter.Allow(c.identity.UserID) {
		h.notify(c, NoticeRateLimit, "Slow down", "Too many join attempts. Try again in a minute.", nil)
		return
	}

	desired := p.User.Nickname
	if desired == "" {
		desired = c.identity.Nickname
	}
	nickname, err := ValidateNickname(desired)
	if err != nil {
		h.notify(c, NoticeError, "Invalid nickname", err.Error(), nil)
		return
	}

	key := p.ChecklistID
	if key == "" {
		key = p.ShareCode
	}
	checklist, err := h.store.FindChecklistByIDOrShareCode(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		h.notify(c, NoticeNotFound, "Join failed", "This collaboration does not exist or has expired.", nil)
		return
	}
	if err != nil {
		h.notify(c, NoticeError, "Join failed", "A server error occurred.", nil)
		return
	}
	if !checklist.IsCollaborative || checklist.LinkExpired(time.Now()) {
		h.notify(c, NoticeNotFound, "Join failed", "This collaboration does not exist or has expired.", nil)
		return
	}

	allowed, err := h.perms.Check(ctx, c.identity.UserID, checklist.ID, model.PermissionRead)
	if err != nil || !allowed {
		h.notify(c, NoticeDenied, "Join failed", "You don't have access to this checklist. Ask the owner for an invite.", nil)
		return
	}

	// Re-joining a different room implicitly leaves the old one.
	if roomID, _ := c.room(); roomID != "" && roomID != checklist.ID {
		h.departRoom(c, roomID)
	}

	resolution := h.Arbiter.Claim(checklist.ID, nickname)
	resolved := model.CollaborationUser{
		ID:       c.identity.UserID,
		Nickname: resolution.Resolved,
		Color:    p.User.Color,
		UserType: c.identity.UserType,
		Avatar:   p.User.Avatar,
		IsOnline: true,
	}

	err = h.store.UpsertCollaboration(ctx, model.Collaboration{
		ChecklistID:   checklist.ID,
		UserID:        resolved.ID,
		Role:          "MEMBER",
		Permissions:   []model.Permission{model.PermissionRead, model.PermissionWrite},
		GuestNickname: resolved.Nickname,
		GuestColor:    resolved.Color,
		IsActive:      true,
		LastActiveAt:  time.Now(),
	})
	if err != nil {
		h.Arbiter.Release(checklist.ID, resolution.Resolved)
		h.notify(c, NoticeError, "Join failed", "A server error occurred.", nil)
		return
	}

	count := h.Presence.Join(checklist.ID, resolved)

	h.mu.Lock()
	if h.rooms[checklist.ID] == nil {
		h.rooms[checklist.ID] = make(map[*Client]bool)
	}
	h.rooms[checklist.ID][c] = true
	h.mu.Unlock()

	c.setRoom(checklist.ID, resolved)

	if resolution.Conflict {
		h.notify(c, NoticeWarning, "Nickname changed",
			"\""+resolution.Original+"\" is already in use; you joined as \""+resolution.Resolved+"\".",
			map[string]any{
				"originalNickname": resolution.Original,
				"newNickname":      resolution.Resolved,
				"suggestions":      resolution.Suggestions,
			})
	}

	h.send(c, EventUsersOnline, UsersOnlinePayload{Users: h.Presence.ListOnline(checklist.ID)})
	h.broadcast(checklist.ID, EventUserJoined, UserJoinedPayload{User: resolved, OnlineCount: count}, c)
	logger.Sugar.Infof("%s joined room %s (%d online)", resolved.Nickname, checklist.ID, count)
}

func (h *Hub) handleToggle(ctx context.Context, c *Client, p TogglePayload) {
	roomID, user := c.room()
	if roomID == "" {
		h.notify(c, NoticeError, "Not in a collaboration", "Join a collaboration before changing items.", nil)
		return
	}
	if !h.actionLimiter.Allow(c.identity.UserID) {
		h.notify(c, NoticeRateLimit, "Slow down", "Too many changes. Try again in a minute.", nil)
		return
	}

	item, err := h.store.GetItem(ctx, p.ItemID)
	if errors.Is(err, model.ErrNotFound) {
		h.notify(c, NoticeNotFound, "Update failed", "This item no longer exists.", nil)
		return
	}
	if err != nil {
		h.notify(c, NoticeError, "Update failed", "A server error occurred.", nil)
		return
	}

	allowed, err := h.perms.Check(ctx, c.identity.UserID, item.ChecklistID, model.PermissionWrite)
	if err != nil || !allowed {
		h.notify(c, NoticeDenied, "Update failed", "You can't change items on this checklist. Ask the owner for access.", nil)
		return
	}

	now := time.Now()
	var checkedBy *string
	var checkedAt *time.Time
	if p.IsCompleted {
		checkedBy = &c.identity.UserID
		checkedAt = &now
	}

	h.ordMu.Lock()
	defer h.ordMu.Unlock()
	if err := h.store.SetItemCompletion(ctx, p.ItemID, p.IsCompleted, checkedBy, checkedAt); err != nil {
		h.notify(c, NoticeError, "Update failed", "The item could not be changed.", nil)
		return
	}

	action := model.HistoryChecked
	if !p.IsCompleted {
		action = model.HistoryUnchecked
	}
	if err := h.store.AppendHistory(ctx, model.CheckHistory{
		ID:          uuid.NewString(),
		ItemID:      p.ItemID,
		ChecklistID: item.ChecklistID,
		UserID:      c.identity.UserID,
		Action:      action,
		Timestamp:   now,
	}); err != nil {
		h.notify(c, NoticeError, "Update failed", "The item could not be changed.", nil)
		return
	}

	h.BroadcastItemChecked(item.ChecklistID, ItemCheckedPayload{
		ItemID:      p.ItemID,
		IsCompleted: p.IsCompleted,
		CheckedBy:   user,
		Timestamp:   now,
	})
	h.AnnounceCompletion(ctx, item.ChecklistID, user)
}

func (h *Hub) handleUpdate(ctx context.Context, c *Client, p UpdatePayload) {
	roomID, user := c.room()
	if roomID == "" {
		h.notify(c, NoticeError, "Not in a collaboration", "Join a collaboration before changing items.", nil)
		return
	}
	if !h.actionLimiter.Allow(c.identity.UserID) {
		h.notify(c, NoticeRateLimit, "Slow down", "Too many changes. Try again in a minute.", nil)
		return
	}

	item, err := h.store.GetItem(ctx, p.ItemID)
	if errors.Is(err, model.ErrNotFound) {
		h.notify(c, NoticeNotFound, "Update failed", "This item no longer exists.", nil)
		return
	}
	if err != nil {
		h.notify(c, NoticeError, "Update failed", "A server error occurred.", nil)
		return
	}

	allowed, err := h.perms.Check(ctx, c.identity.UserID, item.ChecklistID, model.PermissionWrite)
	if err != nil || !allowed {
		h.notify(c, NoticeDenied, "Update failed", "You can't change items on this checklist. Ask the owner for access.", nil)
		return
	}

	h.ordMu.Lock()
	defer h.ordMu.Unlock()
	if err := h.store.UpdateItemFields(ctx, p.ItemID, p.Updates); err != nil {
		h.notify(c, NoticeError, "Update failed", "The item could not be changed.", nil)
		return
	}

	newValue, _ := json.Marshal(p.Updates)
	if err := h.store.AppendHistory(ctx, model.CheckHistory{
		ID:          uuid.NewString(),
		ItemID:      p.ItemID,
		ChecklistID: item.ChecklistID,
		UserID:      c.identity.UserID,
		Action:      model.HistoryEdited,
		NewValue:    newValue,
		Timestamp:   time.Now(),
	}); err != nil {
		h.notify(c, NoticeError, "Update failed", "The item could not be changed.", nil)
		return
	}

	h.BroadcastItemUpdated(item.ChecklistID, ItemUpdatedPayload{
		ItemID:    p.ItemID,
		Updates:   p.Updates,
		UpdatedBy: user,
	})
}

// ReapWorker force-leaves members whose last activity is older than the
// staleness threshold. Runs on a fixed interval for the life of the process.
func (h *Hub) ReapWorker() {
	ticker := time.NewTicker(ReapInterval)
	defer ticker.Stop()

	for range ticker.C {
		h.reapOnce()
	}
}

func (h *Hub) reapOnce() {
	for _, r := range h.Presence.ReapStale(StaleAfter) {
		h.mu.Lock()
		for client := range h.rooms[r.RoomID] {
			if client.identity.UserID == r.UserID {
				delete(h.rooms[r.RoomID], client)
				client.setRoom("", model.CollaborationUser{})
			}
		}
		if len(h.rooms[r.RoomID]) == 0 {
			delete(h.rooms, r.RoomID)
			delete(h.allComplete, r.RoomID)
		}
		h.mu.Unlock()

		h.broadcast(r.RoomID, EventUserLeft, UserLeftPayload{UserID: r.UserID, OnlineCount: r.OnlineCount}, nil)
	}
}

// AnnounceCompletion broadcasts collaboration-completed when the checklist
// has just transitioned to "every item complete". Re-completing after an
// un-complete fires again; staying complete does not.
func (h *Hub) AnnounceCompletion(ctx context.Context, checklistID string, by model.CollaborationUser) {
	items, err := h.store.ListItems(ctx, checklistID)
	if err != nil {
		logger.Sugar.Errorf("Completion check failed for checklist %s: %v", checklistID, err)
		return
	}
	complete := len(items) > 0
	for _, item := range items {
		if !item.IsCompleted {
			complete = false
			break
		}
	}

	h.mu.Lock()
	fire := complete && !h.allComplete[checklistID]
	h.allComplete[checklistID] = complete
	h.mu.Unlock()

	if fire {
		h.broadcast(checklistID, EventCompleted, CompletedPayload{ChecklistID: checklistID, CompletedBy: by}, nil)
	}
}

// BroadcastItemChecked fans an item-checked event out to the whole room,
// sender included, so every client converges on what actually landed in the
// store.
func (h *Hub) BroadcastItemChecked(checklistID string, p ItemCheckedPayload) {
	h.broadcast(checklistID, EventItemChecked, p, nil)
}

func (h *Hub) BroadcastItemUpdated(checklistID string, p ItemUpdatedPayload) {
	h.broadcast(checklistID, EventItemUpdated, p, nil)
}

func (h *Hub) BroadcastItemAdded(checklistID string, p ItemAddedPayload) {
	h.broadcast(checklistID, EventItemAdded, p, nil)
}

func (h *Hub) BroadcastItemDeleted(checklistID string, p ItemDeletedPayload) {
	h.broadcast(checklistID, EventItemDeleted, p, nil)
}

// broadcast sends one event to every connection in the room, optionally
// excluding one client. The member list is snapshotted under the lock and
// the sends happen outside it.
func (h *Hub) broadcast(roomID, event string, payload any, exclude *Client) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling %s broadcast: %v", event, err)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling %s broadcast: %v", event, err)
		return
	}

	h.mu.Lock()
	clientsToSend := make([]*Client, 0, len(h.rooms[roomID]))
	for client := range h.rooms[roomID] {
		if client != exclude {
			clientsToSend = append(clientsToSend, client)
		}
	}
	h.mu.Unlock()

	for _, client := range clientsToSend {
		if !client.trySend(raw) {
			// The client is lagging; drop the connection rather than
			// block the broadcaster. Run is the only receiver on
			// Unregister and may itself be running this broadcast, so
			// the handoff must not block.
			logger.Sugar.Warnf("Send buffer full for user %s, unregistering", client.identity.UserID)
			lagging := client
			go func() { h.Unregister <- lagging }()
		}
	}
}

// send delivers one event to a single connection.
func (h *Hub) send(c *Client, event string, payload any) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling %s event: %v", event, err)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if !c.trySend(raw) {
		logger.Sugar.Warnf("Send buffer full for user %s", c.identity.UserID)
	}
}

// notify translates an error condition into a notification event back to the
// originating connection. Errors never crash the connection.
func (h *Hub) notify(c *Client, noticeType, title, message string, data any) {
	h.send(c, EventNotification, NotificationPayload{Type: noticeType, Title: title, Message: message, Data: data})
}
