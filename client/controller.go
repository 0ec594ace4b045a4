package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"checksync/internal/checklist/model"
	"checksync/pkg/logger"
	"checksync/socket"

	"github.com/gorilla/websocket"
)

type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateFailed       ConnState = "failed"
)

const (
	maxReconnectAttempts = 5
	baseReconnectDelay   = time.Second
	maxReconnectDelay    = 10 * time.Second
	heartbeatInterval    = 30 * time.Second
	dialTimeout          = 20 * time.Second
)

type ItemPhase string

const (
	PhaseLocalPending ItemPhase = "local-pending"
	PhaseConfirmed    ItemPhase = "confirmed"
)

// ItemView is the controller's local picture of one item's completion state.
// A local-pending view came from an optimistic queued mutation; a confirmed
// view came from a server broadcast, which always overwrites the former.
type ItemView struct {
	IsCompleted bool
	CheckedBy   string
	CheckedAt   time.Time
	Phase       ItemPhase
}

// Handlers are the application callbacks for server-pushed events. Any nil
// handler is skipped. Callbacks run on the controller's read goroutine.
type Handlers struct {
	OnConnectionState func(state ConnState)
	OnRoster          func(users []model.CollaborationUser)
	OnUserJoined      func(p socket.UserJoinedPayload)
	OnUserLeft        func(p socket.UserLeftPayload)
	OnItemChecked     func(p socket.ItemCheckedPayload)
	OnItemUpdated     func(p socket.ItemUpdatedPayload)
	OnItemAdded       func(p socket.ItemAddedPayload)
	OnItemDeleted     func(p socket.ItemDeletedPayload)
	OnCompleted       func(p socket.CompletedPayload)
	OnNotification    func(p socket.NotificationPayload)
}

// SyncController owns one websocket session to the collaboration gateway:
// it dials, joins rooms, sends mutations when the pipe is up, hands them to
// the offline queue when it is not, and reconciles optimistic local state
// against server broadcasts.
type SyncController struct {
	wsURL    string
	token    string
	dialer   *websocket.Dialer
	queue    *OfflineQueue
	online   func() bool
	handlers Handlers

	mu          sync.Mutex
	conn        *websocket.Conn
	state       ConnState
	attempts    int
	closing     bool
	joined      bool
	checklistID string
	shareCode   string
	user        model.CollaborationUser
	roster      []model.CollaborationUser
	items       map[string]ItemView
}

// NewSyncController prepares a controller for wsURL (a ws:// or wss://
// endpoint). The token rides the query string during the handshake.
func NewSyncController(wsURL, token string, queue *OfflineQueue, online func() bool, handlers Handlers) *SyncController {
	return &SyncController{
		wsURL:    wsURL,
		token:    token,
		dialer:   &websocket.Dialer{HandshakeTimeout: dialTimeout},
		queue:    queue,
		online:   online,
		handlers: handlers,
		state:    StateDisconnected,
		items:    make(map[string]ItemView),
	}
}

// Connect dials the gateway. On success the read and heartbeat loops start
// and, if a room was previously joined, the join is replayed so the server
// rebuilds presence for this session.
func (c *SyncController) Connect() error {
	c.setState(StateConnecting)

	conn, _, err := c.dialer.Dial(c.wsURL+"?token="+c.token, nil)
	if err != nil {
		logger.Sugar.Warnf("Dial failed: %v", err)
		c.setState(StateDisconnected)
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.closing = false
	rejoin := c.joined
	c.mu.Unlock()

	c.setState(StateConnected)
	logger.Sugar.Infof("Connected to %s", c.wsURL)

	go c.readLoop(conn)
	go c.heartbeatLoop(conn)

	if rejoin {
		c.sendJoin()
	}
	if c.queue != nil && c.queue.Pending() > 0 {
		go c.queue.Sync(context.Background())
	}
	return nil
}

// Close tears the session down without triggering reconnect.
func (c *SyncController) Close() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	c.setState(StateDisconnected)
}

// Retry resets the attempt counter after the controller has given up, then
// dials again. This is the user-facing "try again" hook.
func (c *SyncController) Retry() error {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	return c.Connect()
}

// JoinRoom remembers the room so reconnects can rejoin, then sends the join
// if the pipe is up. Dials first when fully disconnected.
func (c *SyncController) JoinRoom(checklistID, shareCode string, user model.CollaborationUser) error {
	c.mu.Lock()
	c.checklistID = checklistID
	c.shareCode = shareCode
	c.user = user
	c.joined = true
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		return c.Connect()
	}
	return c.sendJoin()
}

func (c *SyncController) sendJoin() error {
	c.mu.Lock()
	p := socket.JoinPayload{ChecklistID: c.checklistID, ShareCode: c.shareCode, User: c.user}
	c.mu.Unlock()
	return c.send(socket.EventJoin, p)
}

// LeaveRoom departs the room and clears local roster and item state.
func (c *SyncController) LeaveRoom() {
	c.mu.Lock()
	checklistID := c.checklistID
	c.joined = false
	c.roster = nil
	c.items = make(map[string]ItemView)
	c.mu.Unlock()

	if checklistID != "" {
		c.send(socket.EventLeave, socket.LeavePayload{ChecklistID: checklistID})
	}
}

// ToggleItem sends the mutation when connected and online; otherwise it is
// queued and the local view is updated optimistically so the UI reflects the
// user's intent straight away.
func (c *SyncController) ToggleItem(itemID string, isCompleted bool) error {
	p := socket.TogglePayload{ItemID: itemID, IsCompleted: isCompleted}
	if c.State() == StateConnected && c.online() {
		return c.send(socket.EventToggle, p)
	}
	return c.queueAction(ActionToggleItem, p, func() {
		c.mu.Lock()
		c.items[itemID] = ItemView{
			IsCompleted: isCompleted,
			CheckedBy:   c.user.ID,
			CheckedAt:   time.Now(),
			Phase:       PhaseLocalPending,
		}
		c.mu.Unlock()
	})
}

// UpdateItem edits item fields, queueing when the session is down.
func (c *SyncController) UpdateItem(itemID string, updates map[string]any) error {
	p := socket.UpdatePayload{ItemID: itemID, Updates: updates}
	if c.State() == StateConnected && c.online() {
		return c.send(socket.EventUpdate, p)
	}
	return c.queueAction(ActionUpdateItem, p, nil)
}

func (c *SyncController) queueAction(t ActionType, payload any, applyLocal func()) error {
	if c.queue == nil {
		return websocket.ErrCloseSent
	}
	c.mu.Lock()
	checklistID := c.checklistID
	userID := c.user.ID
	c.mu.Unlock()

	if _, err := c.queue.Enqueue(t, payload, checklistID, userID); err != nil {
		return err
	}
	if applyLocal != nil {
		applyLocal()
	}
	return nil
}

// State reports the current connection state.
func (c *SyncController) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Roster returns a copy of the last known online-user list for the room.
func (c *SyncController) Roster() []model.CollaborationUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.CollaborationUser, len(c.roster))
	copy(out, c.roster)
	return out
}

// Item returns the local view of one item, if the controller has seen it.
func (c *SyncController) Item(itemID string) (ItemView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[itemID]
	return v, ok
}

func (c *SyncController) setState(s ConnState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.handlers.OnConnectionState != nil {
		c.handlers.OnConnectionState(s)
	}
}

func (c *SyncController) send(event string, payload any) error {
	env, err := socket.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *SyncController) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		var env socket.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Sugar.Warnf("Dropping malformed frame: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *SyncController) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closing := c.closing
	c.mu.Unlock()
	conn.Close()

	if closing {
		return
	}
	logger.Sugar.Warnf("Connection lost: %v", err)
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

func (c *SyncController) scheduleReconnect() {
	c.mu.Lock()
	c.attempts++
	attempts := c.attempts
	c.mu.Unlock()

	if attempts > maxReconnectAttempts {
		logger.Sugar.Errorf("Giving up after %d reconnect attempts", maxReconnectAttempts)
		c.setState(StateFailed)
		return
	}

	delay := baseReconnectDelay << (attempts - 1)
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	logger.Sugar.Infof("Reconnecting in %s (attempt %d/%d)", delay, attempts, maxReconnectAttempts)
	time.AfterFunc(delay, func() {
		if c.State() == StateFailed {
			return
		}
		c.Connect()
	})
}

func (c *SyncController) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		live := c.conn == conn
		c.mu.Unlock()
		if !live {
			return
		}
		if err := c.send(socket.EventHeartbeat, nil); err != nil {
			return
		}
	}
}

func (c *SyncController) dispatch(env socket.Envelope) {
	switch env.Event {
	case socket.EventUsersOnline:
		var p socket.UsersOnlinePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.mu.Lock()
		c.roster = p.Users
		c.mu.Unlock()
		if c.handlers.OnRoster != nil {
			c.handlers.OnRoster(p.Users)
		}

	case socket.EventUserJoined:
		var p socket.UserJoinedPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.mu.Lock()
		c.roster = upsertUser(c.roster, p.User)
		c.mu.Unlock()
		if c.handlers.OnUserJoined != nil {
			c.handlers.OnUserJoined(p)
		}

	case socket.EventUserLeft:
		var p socket.UserLeftPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.mu.Lock()
		c.roster = removeUser(c.roster, p.UserID)
		c.mu.Unlock()
		if c.handlers.OnUserLeft != nil {
			c.handlers.OnUserLeft(p)
		}

	case socket.EventItemChecked:
		var p socket.ItemCheckedPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		// Server broadcasts always win over optimistic local state.
		c.mu.Lock()
		c.items[p.ItemID] = ItemView{
			IsCompleted: p.IsCompleted,
			CheckedBy:   p.CheckedBy.ID,
			CheckedAt:   p.Timestamp,
			Phase:       PhaseConfirmed,
		}
		c.mu.Unlock()
		if c.handlers.OnItemChecked != nil {
			c.handlers.OnItemChecked(p)
		}

	case socket.EventItemUpdated:
		var p socket.ItemUpdatedPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		if c.handlers.OnItemUpdated != nil {
			c.handlers.OnItemUpdated(p)
		}

	case socket.EventItemAdded:
		var p socket.ItemAddedPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		if c.handlers.OnItemAdded != nil {
			c.handlers.OnItemAdded(p)
		}

	case socket.EventItemDeleted:
		var p socket.ItemDeletedPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.mu.Lock()
		delete(c.items, p.ItemID)
		c.mu.Unlock()
		if c.handlers.OnItemDeleted != nil {
			c.handlers.OnItemDeleted(p)
		}

	case socket.EventCompleted:
		var p socket.CompletedPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		if c.handlers.OnCompleted != nil {
			c.handlers.OnCompleted(p)
		}

	case socket.EventNotification:
		var p socket.NotificationPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		if c.handlers.OnNotification != nil {
			c.handlers.OnNotification(p)
		}

	default:
		logger.Sugar.Debugf("Ignoring unknown event %q", env.Event)
	}
}

// upsertUser and removeUser never mutate their input: slices previously
// handed to callbacks stay stable snapshots.
func upsertUser(users []model.CollaborationUser, u model.CollaborationUser) []model.CollaborationUser {
	out := make([]model.CollaborationUser, len(users), len(users)+1)
	copy(out, users)
	for i := range out {
		if out[i].ID == u.ID {
			out[i] = u
			return out
		}
	}
	return append(out, u)
}

func removeUser(users []model.CollaborationUser, userID string) []model.CollaborationUser {
	out := make([]model.CollaborationUser, 0, len(users))
	for _, u := range users {
		if u.ID != userID {
			out = append(out, u)
		}
	}
	return out
}
