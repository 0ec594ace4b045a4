package client

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedExecutor struct {
	mu       sync.Mutex
	executed []QueuedAction
	fail     func(action QueuedAction) error
}

func (e *scriptedExecutor) Execute(_ context.Context, action QueuedAction) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, action)
	if e.fail != nil {
		return e.fail(action)
	}
	return nil
}

func (e *scriptedExecutor) calls() []QueuedAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]QueuedAction, len(e.executed))
	copy(out, e.executed)
	return out
}

func offline() bool { return false }

func newTestQueue(t *testing.T, exec Executor) *OfflineQueue {
	t.Helper()
	return NewOfflineQueue(filepath.Join(t.TempDir(), "queue.json"), exec, offline)
}

func TestSyncReplaysInOrder(t *testing.T) {
	exec := &scriptedExecutor{}
	q := newTestQueue(t, exec)

	id1, err := q.Enqueue(ActionToggleItem, togglePayload{ItemID: "item-1", IsCompleted: true}, "cl-1", "user-1")
	require.NoError(t, err)
	id2, err := q.Enqueue(ActionUpdateItem, updatePayload{ItemID: "item-2"}, "cl-1", "user-1")
	require.NoError(t, err)
	id3, err := q.Enqueue(ActionDeleteItem, deletePayload{ItemID: "item-3"}, "cl-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, 3, q.Pending())

	q.Sync(context.Background())

	calls := exec.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{id1, id2, id3}, []string{calls[0].ID, calls[1].ID, calls[2].ID})
	assert.Equal(t, 0, q.Pending())
	assert.Equal(t, 0, q.Abandoned())
}

func TestSyncPartialFailureKeepsGoing(t *testing.T) {
	exec := &scriptedExecutor{
		fail: func(action QueuedAction) error {
			if action.Type == ActionUpdateItem {
				return errors.New("server unavailable")
			}
			return nil
		},
	}
	q := newTestQueue(t, exec)

	_, err := q.Enqueue(ActionToggleItem, togglePayload{ItemID: "item-1"}, "cl-1", "user-1")
	require.NoError(t, err)
	failing, err := q.Enqueue(ActionUpdateItem, updatePayload{ItemID: "item-2"}, "cl-1", "user-1")
	require.NoError(t, err)
	_, err = q.Enqueue(ActionToggleItem, togglePayload{ItemID: "item-3"}, "cl-1", "user-1")
	require.NoError(t, err)

	q.Sync(context.Background())

	// The failure in the middle must not block the action behind it.
	require.Len(t, exec.calls(), 3)
	assert.Equal(t, 1, q.Pending())

	q.mu.Lock()
	require.Len(t, q.actions, 1)
	assert.Equal(t, failing, q.actions[0].ID)
	assert.Equal(t, 1, q.actions[0].Retries)
	q.mu.Unlock()
}

func TestSyncAbandonsAfterMaxRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	exec := &scriptedExecutor{
		fail: func(QueuedAction) error { return errors.New("still broken") },
	}
	q := NewOfflineQueue(path, exec, offline)

	_, err := q.Enqueue(ActionToggleItem, togglePayload{ItemID: "item-1"}, "cl-1", "user-1")
	require.NoError(t, err)

	for i := 0; i < DefaultMaxRetries; i++ {
		q.Sync(context.Background())
	}

	assert.Equal(t, 0, q.Pending())
	assert.Equal(t, 1, q.Abandoned())

	// Terminal actions are pruned from the queue, not kept around.
	q.mu.Lock()
	assert.Empty(t, q.actions)
	q.mu.Unlock()

	// Abandoned actions are never replayed again.
	before := len(exec.calls())
	q.Sync(context.Background())
	assert.Equal(t, before, len(exec.calls()))

	// The tally survives a restart even though the actions are gone.
	reloaded := NewOfflineQueue(path, exec, offline)
	assert.Equal(t, 0, reloaded.Pending())
	assert.Equal(t, 1, reloaded.Abandoned())
}

func TestQueueSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	exec := &scriptedExecutor{}

	q := NewOfflineQueue(path, exec, offline)
	_, err := q.Enqueue(ActionToggleItem, togglePayload{ItemID: "item-1", IsCompleted: true}, "cl-1", "user-1")
	require.NoError(t, err)
	_, err = q.Enqueue(ActionAddItem, addPayload{Title: "Milk", Position: 2}, "cl-1", "user-1")
	require.NoError(t, err)

	reloaded := NewOfflineQueue(path, exec, offline)
	require.Equal(t, 2, reloaded.Pending())

	reloaded.Sync(context.Background())
	assert.Equal(t, 0, reloaded.Pending())
	require.Len(t, exec.calls(), 2)
	assert.Equal(t, ActionToggleItem, exec.calls()[0].Type)
	assert.Equal(t, ActionAddItem, exec.calls()[1].Type)
}

func TestRemoveCancelsPendingAction(t *testing.T) {
	exec := &scriptedExecutor{}
	q := newTestQueue(t, exec)

	id, err := q.Enqueue(ActionDeleteItem, deletePayload{ItemID: "item-1"}, "cl-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, q.Pending())

	q.Remove(id)
	assert.Equal(t, 0, q.Pending())

	q.Sync(context.Background())
	assert.Empty(t, exec.calls())
}
