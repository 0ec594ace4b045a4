package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"checksync/internal/checklist/model"
	"checksync/socket"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// gatewayStub accepts one websocket connection and exposes what it received.
type gatewayStub struct {
	server *httptest.Server

	mu     sync.Mutex
	conn   *websocket.Conn
	frames []socket.Envelope
	gotOne chan struct{}
}

func newGatewayStub(t *testing.T) *gatewayStub {
	t.Helper()
	g := &gatewayStub{gotOne: make(chan struct{}, 16)}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		g.mu.Lock()
		g.conn = conn
		g.mu.Unlock()
		for {
			var env socket.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			g.mu.Lock()
			g.frames = append(g.frames, env)
			g.mu.Unlock()
			g.gotOne <- struct{}{}
		}
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *gatewayStub) wsURL() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *gatewayStub) push(t *testing.T, event string, payload any) {
	t.Helper()
	env, err := socket.NewEnvelope(event, payload)
	require.NoError(t, err)
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteJSON(env))
}

func (g *gatewayStub) lastFrame(t *testing.T) socket.Envelope {
	t.Helper()
	select {
	case <-g.gotOne:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.frames[len(g.frames)-1]
}

func testUser() model.CollaborationUser {
	return model.CollaborationUser{ID: "user-1", Nickname: "Kim", Color: "#FF0000", UserType: model.UserTypeRegistered}
}

func TestConnectTransitionsToConnected(t *testing.T) {
	g := newGatewayStub(t)

	var mu sync.Mutex
	var states []ConnState
	c := NewSyncController(g.wsURL(), "token", nil, func() bool { return true }, Handlers{
		OnConnectionState: func(s ConnState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	defer c.Close()

	require.NoError(t, c.Connect())
	assert.Equal(t, StateConnected, c.State())

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, StateConnecting, states[0])
	assert.Equal(t, StateConnected, states[1])
}

func TestJoinRoomSendsJoinEnvelope(t *testing.T) {
	g := newGatewayStub(t)
	c := NewSyncController(g.wsURL(), "token", nil, func() bool { return true }, Handlers{})
	defer c.Close()

	require.NoError(t, c.Connect())
	require.NoError(t, c.JoinRoom("cl-1", "ABCD2345", testUser()))

	env := g.lastFrame(t)
	require.Equal(t, socket.EventJoin, env.Event)

	var p socket.JoinPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "cl-1", p.ChecklistID)
	assert.Equal(t, "ABCD2345", p.ShareCode)
	assert.Equal(t, "Kim", p.User.Nickname)
}

func TestToggleSendsWhenConnected(t *testing.T) {
	g := newGatewayStub(t)
	c := NewSyncController(g.wsURL(), "token", nil, func() bool { return true }, Handlers{})
	defer c.Close()

	require.NoError(t, c.Connect())
	require.NoError(t, c.ToggleItem("item-1", true))

	env := g.lastFrame(t)
	require.Equal(t, socket.EventToggle, env.Event)

	var p socket.TogglePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "item-1", p.ItemID)
	assert.True(t, p.IsCompleted)
}

func TestToggleQueuesWhenDisconnected(t *testing.T) {
	q := newTestQueue(t, &scriptedExecutor{})
	c := NewSyncController("ws://127.0.0.1:0", "token", q, offline, Handlers{})
	c.mu.Lock()
	c.checklistID = "cl-1"
	c.user = testUser()
	c.mu.Unlock()

	require.NoError(t, c.ToggleItem("item-1", true))

	assert.Equal(t, 1, q.Pending())

	// Queued mutations update the local view optimistically.
	view, ok := c.Item("item-1")
	require.True(t, ok)
	assert.True(t, view.IsCompleted)
	assert.Equal(t, PhaseLocalPending, view.Phase)
	assert.Equal(t, "user-1", view.CheckedBy)
}

func TestBroadcastOverridesOptimisticState(t *testing.T) {
	g := newGatewayStub(t)

	checked := make(chan socket.ItemCheckedPayload, 1)
	c := NewSyncController(g.wsURL(), "token", nil, func() bool { return true }, Handlers{
		OnItemChecked: func(p socket.ItemCheckedPayload) { checked <- p },
	})
	defer c.Close()
	require.NoError(t, c.Connect())

	c.mu.Lock()
	c.items["item-1"] = ItemView{IsCompleted: true, CheckedBy: "user-1", Phase: PhaseLocalPending}
	c.mu.Unlock()

	other := model.CollaborationUser{ID: "user-2", Nickname: "Lee"}
	g.push(t, socket.EventItemChecked, socket.ItemCheckedPayload{
		ItemID:      "item-1",
		IsCompleted: false,
		CheckedBy:   other,
		Timestamp:   time.Now(),
	})

	select {
	case <-checked:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for item-checked")
	}

	view, ok := c.Item("item-1")
	require.True(t, ok)
	assert.False(t, view.IsCompleted)
	assert.Equal(t, PhaseConfirmed, view.Phase)
	assert.Equal(t, "user-2", view.CheckedBy)
}

func TestRosterTracksJoinAndLeave(t *testing.T) {
	g := newGatewayStub(t)

	rosters := make(chan []model.CollaborationUser, 4)
	joined := make(chan struct{}, 1)
	left := make(chan struct{}, 1)
	c := NewSyncController(g.wsURL(), "token", nil, func() bool { return true }, Handlers{
		OnRoster:     func(users []model.CollaborationUser) { rosters <- users },
		OnUserJoined: func(socket.UserJoinedPayload) { joined <- struct{}{} },
		OnUserLeft:   func(socket.UserLeftPayload) { left <- struct{}{} },
	})
	defer c.Close()
	require.NoError(t, c.Connect())

	g.push(t, socket.EventUsersOnline, socket.UsersOnlinePayload{
		Users: []model.CollaborationUser{testUser()},
	})
	select {
	case <-rosters:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for roster")
	}
	require.Len(t, c.Roster(), 1)

	g.push(t, socket.EventUserJoined, socket.UserJoinedPayload{
		User:        model.CollaborationUser{ID: "user-2", Nickname: "Lee"},
		OnlineCount: 2,
	})
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for user-joined")
	}
	require.Len(t, c.Roster(), 2)

	g.push(t, socket.EventUserLeft, socket.UserLeftPayload{UserID: "user-1", OnlineCount: 1})
	select {
	case <-left:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for user-left")
	}
	roster := c.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, "user-2", roster[0].ID)
}

func TestRosterCallbackSliceIsStable(t *testing.T) {
	var snapshots [][]model.CollaborationUser
	c := NewSyncController("ws://127.0.0.1:0", "token", nil, offline, Handlers{
		OnRoster: func(users []model.CollaborationUser) { snapshots = append(snapshots, users) },
	})

	deliver := func(event string, payload any) {
		env, err := socket.NewEnvelope(event, payload)
		require.NoError(t, err)
		c.dispatch(env)
	}

	deliver(socket.EventUsersOnline, socket.UsersOnlinePayload{
		Users: []model.CollaborationUser{{ID: "user-1", Nickname: "Kim"}},
	})
	require.Len(t, snapshots, 1)

	// Later joins and leaves must not reach into the slice the callback
	// already received.
	deliver(socket.EventUserJoined, socket.UserJoinedPayload{
		User: model.CollaborationUser{ID: "user-2", Nickname: "Lee"}, OnlineCount: 2,
	})
	deliver(socket.EventUserLeft, socket.UserLeftPayload{UserID: "user-1", OnlineCount: 1})

	require.Len(t, snapshots[0], 1)
	assert.Equal(t, "user-1", snapshots[0][0].ID)
	assert.Equal(t, "Kim", snapshots[0][0].Nickname)

	roster := c.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, "user-2", roster[0].ID)
}

func TestDialFailureSchedulesReconnect(t *testing.T) {
	c := NewSyncController("ws://127.0.0.1:1", "token", nil, offline, Handlers{})
	err := c.Connect()
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())

	c.mu.Lock()
	assert.Equal(t, 1, c.attempts)
	c.mu.Unlock()
}

func TestCloseDoesNotReconnect(t *testing.T) {
	g := newGatewayStub(t)
	c := NewSyncController(g.wsURL(), "token", nil, func() bool { return true }, Handlers{})
	require.NoError(t, c.Connect())

	c.Close()
	assert.Equal(t, StateDisconnected, c.State())

	time.Sleep(50 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Zero(t, c.attempts)
	assert.Nil(t, c.conn)
}
