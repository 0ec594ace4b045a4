package client

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"checksync/pkg/logger"

	"github.com/google/uuid"
)

type ActionType string

const (
	ActionToggleItem ActionType = "TOGGLE_ITEM"
	ActionUpdateItem ActionType = "UPDATE_ITEM"
	ActionAddItem    ActionType = "ADD_ITEM"
	ActionDeleteItem ActionType = "DELETE_ITEM"
)

type ActionState string

const (
	ActionPending   ActionState = "pending"
	ActionAbandoned ActionState = "abandoned"
)

const (
	DefaultMaxRetries = 3
	SyncInterval      = 30 * time.Second
)

// QueuedAction is one durable user mutation awaiting replay. An action that
// exhausts its retries moves to the terminal "abandoned" state instead of
// silently vanishing, so callers can count what was given up on.
type QueuedAction struct {
	ID          string          `json:"id"`
	Type        ActionType      `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
	Retries     int             `json:"retries"`
	ChecklistID string          `json:"checklistId"`
	UserID      string          `json:"userId"`
	State       ActionState     `json:"state"`
}

// Executor performs the remote call for one queued action during replay.
type Executor interface {
	Execute(ctx context.Context, action QueuedAction) error
}

// OfflineQueue is the durable, retrying holding area for mutations that
// could not be sent immediately. The backing file survives process restarts.
type OfflineQueue struct {
	mu         sync.Mutex
	path       string
	actions    []*QueuedAction
	abandoned  int
	exec       Executor
	online     func() bool
	maxRetries int
	syncing    bool
}

// queueFile is the on-disk shape: the live actions plus a running tally of
// actions given up on, which survives pruning and restarts.
type queueFile struct {
	Actions   []*QueuedAction `json:"actions"`
	Abandoned int             `json:"abandoned"`
}

// NewOfflineQueue loads any persisted actions from path. online reports the
// current network state; it gates automatic sync passes.
func NewOfflineQueue(path string, exec Executor, online func() bool) *OfflineQueue {
	q := &OfflineQueue{
		path:       path,
		exec:       exec,
		online:     online,
		maxRetries: DefaultMaxRetries,
	}
	q.load()
	return q
}

// Enqueue appends a mutation to the queue and persists it. If the network
// is up it immediately attempts a sync pass in the background.
func (q *OfflineQueue) Enqueue(actionType ActionType, payload any, checklistID, userID string) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	action := &QueuedAction{
		ID:          uuid.NewString(),
		Type:        actionType,
		Payload:     raw,
		Timestamp:   time.Now(),
		ChecklistID: checklistID,
		UserID:      userID,
		State:       ActionPending,
	}

	q.mu.Lock()
	q.actions = append(q.actions, action)
	q.persistLocked()
	q.mu.Unlock()

	logger.Sugar.Infof("Queued %s action %s (online=%v)", actionType, action.ID, q.online())

	if q.online() {
		go q.Sync(context.Background())
	}
	return action.ID, nil
}

// Sync replays pending actions in FIFO order. A failure on one action does
// not block the rest of the pass; the action's retry counter is bumped and,
// at the cap, the action is abandoned. Once an action's remote call has
// started it runs to completion.
func (q *OfflineQueue) Sync(ctx context.Context) {
	q.mu.Lock()
	if q.syncing {
		q.mu.Unlock()
		return
	}
	q.syncing = true
	pending := make([]*QueuedAction, 0, len(q.actions))
	for _, a := range q.actions {
		if a.State == ActionPending {
			pending = append(pending, a)
		}
	}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.syncing = false
		q.persistLocked()
		q.mu.Unlock()
	}()

	if len(pending) == 0 {
		return
	}
	logger.Sugar.Infof("Syncing %d pending actions", len(pending))

	for _, action := range pending {
		err := q.exec.Execute(ctx, *action)

		q.mu.Lock()
		if err == nil {
			q.removeLocked(action.ID)
			q.mu.Unlock()
			continue
		}
		action.Retries++
		if action.Retries >= q.maxRetries {
			// Terminal: count it, then prune it from the queue and file.
			action.State = ActionAbandoned
			q.abandoned++
			q.removeLocked(action.ID)
			logger.Sugar.Errorf("Action %s (%s) exhausted retries, abandoning: %v", action.ID, action.Type, err)
		} else {
			logger.Sugar.Warnf("Action %s (%s) failed (retry %d/%d): %v", action.ID, action.Type, action.Retries, q.maxRetries, err)
		}
		q.mu.Unlock()
	}
}

// SyncNow is the manual trigger. A no-op when the queue is empty.
func (q *OfflineQueue) SyncNow(ctx context.Context) {
	q.Sync(ctx)
}

// Start runs the fixed-interval sync trigger until ctx is cancelled.
func (q *OfflineQueue) Start(ctx context.Context) {
	ticker := time.NewTicker(SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if q.online() && q.Pending() > 0 {
				q.Sync(ctx)
			}
		}
	}
}

// Pending counts actions still awaiting replay.
func (q *OfflineQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, a := range q.actions {
		if a.State == ActionPending {
			n++
		}
	}
	return n
}

// Abandoned counts actions dropped after exhausting their retries.
func (q *OfflineQueue) Abandoned() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.abandoned
}

// Remove deletes a not-yet-sent action. This is the only cancellation
// primitive the queue offers.
func (q *OfflineQueue) Remove(actionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(actionID)
	q.persistLocked()
}

func (q *OfflineQueue) removeLocked(actionID string) {
	for i, a := range q.actions {
		if a.ID == actionID {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			return
		}
	}
}

func (q *OfflineQueue) persistLocked() {
	if q.path == "" {
		return
	}
	raw, err := json.Marshal(queueFile{Actions: q.actions, Abandoned: q.abandoned})
	if err != nil {
		logger.Sugar.Warnf("Failed to marshal offline queue: %v", err)
		return
	}
	if err := os.WriteFile(q.path, raw, 0o600); err != nil {
		logger.Sugar.Warnf("Failed to persist offline queue: %v", err)
	}
}

func (q *OfflineQueue) load() {
	if q.path == "" {
		return
	}
	raw, err := os.ReadFile(q.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Sugar.Warnf("Failed to load offline queue: %v", err)
		}
		return
	}
	var file queueFile
	if err := json.Unmarshal(raw, &file); err != nil {
		logger.Sugar.Warnf("Failed to parse offline queue, starting empty: %v", err)
		return
	}
	q.actions = file.Actions
	q.abandoned = file.Abandoned
	if n := len(q.actions); n > 0 {
		logger.Sugar.Infof("Loaded %d queued actions from %s", n, q.path)
	}
}
