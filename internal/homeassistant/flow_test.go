package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/emberfell/hearthgate/internal/errors"
)

var errPeerClosed = errors.New("peer closed the connection")

// scriptConn fakes the remote side of a session. Inbound frames are queued
// on a channel; the onWrite hook lets a test answer each outbound command
// with the next scripted frames.
type scriptConn struct {
	mu       sync.Mutex
	inbound  chan []byte
	writes   []any
	closes   int
	deadline time.Time
	onWrite  func(v any)
}

func newScriptConn() *scriptConn {
	return &scriptConn{inbound: make(chan []byte, 16)}
}

func (c *scriptConn) push(t *testing.T, frame any) {
	t.Helper()

	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	c.inbound <- raw
}

func (c *scriptConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case frame, ok := <-c.inbound:
		if !ok {
			return 0, nil, errPeerClosed
		}
		return websocket.TextMessage, frame, nil
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (c *scriptConn) WriteJSON(v any) error {
	c.mu.Lock()
	c.writes = append(c.writes, v)
	hook := c.onWrite
	c.mu.Unlock()

	if hook != nil {
		hook(v)
	}

	return nil
}

func (c *scriptConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t

	return nil
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++

	return nil
}

func newTestNegotiator(conn Conn, timeout time.Duration) *FlowNegotiator {
	negotiator := NewFlowNegotiator("ws://ha.local:8123/api/websocket", "secret-token", timeout, testLogger())
	negotiator.dial = func(ctx context.Context, endpoint string) (Conn, error) {
		return conn, nil
	}

	return negotiator
}

func successFrame(id int, result map[string]any) map[string]any {
	return map[string]any{"id": id, "type": "result", "success": true, "result": result}
}

func TestFlowNegotiator_CreatesResource(t *testing.T) {
	conn := newScriptConn()
	conn.push(t, map[string]any{"type": "auth_required", "ha_version": "2024.6.1"})

	conn.onWrite = func(v any) {
		switch msg := v.(type) {
		case authMessage:
			conn.push(t, map[string]any{"type": "auth_ok"})
		case flowInitCommand:
			conn.push(t, successFrame(msg.ID, map[string]any{"flow_id": "f1", "type": "form", "step_id": "user"}))
		case flowConfigureCommand:
			conn.push(t, successFrame(msg.ID, map[string]any{"type": "create_entry", "title": "Chores"}))
		}
	}

	var transitions []string
	RegisterTransitionRecorder(func(from, to string) {
		transitions = append(transitions, from+">"+to)
	})
	t.Cleanup(func() { RegisterTransitionRecorder(nil) })

	negotiator := newTestNegotiator(conn, 5*time.Second)

	outcome, err := negotiator.CreateResource(context.Background(), "local_todo", "Chores")
	require.NoError(t, err)
	assert.True(t, outcome.Created)
	assert.Equal(t, "Chores", outcome.Title)

	require.Len(t, conn.writes, 3)

	auth, ok := conn.writes[0].(authMessage)
	require.True(t, ok)
	assert.Equal(t, msgAuth, auth.Type)
	assert.Equal(t, "secret-token", auth.AccessToken)

	init, ok := conn.writes[1].(flowInitCommand)
	require.True(t, ok)
	assert.Equal(t, 1, init.ID)
	assert.Equal(t, cmdFlowInit, init.Type)
	assert.Equal(t, "local_todo", init.Handler)

	configure, ok := conn.writes[2].(flowConfigureCommand)
	require.True(t, ok)
	assert.Equal(t, 2, configure.ID)
	assert.Equal(t, cmdFlowConfigure, configure.Type)
	assert.Equal(t, "f1", configure.FlowID)
	assert.Equal(t, map[string]any{"name": "Chores"}, configure.UserInput)

	assert.Equal(t, []string{
		"connecting>auth_pending",
		"auth_pending>authenticated",
		"authenticated>configuring",
		"configuring>completed",
	}, transitions)

	assert.Equal(t, 1, conn.closes, "connection must be closed exactly once")
}

func TestFlowNegotiator_SingleStepFlow(t *testing.T) {
	conn := newScriptConn()
	conn.push(t, map[string]any{"type": "auth_required"})

	conn.onWrite = func(v any) {
		switch msg := v.(type) {
		case authMessage:
			conn.push(t, map[string]any{"type": "auth_ok"})
		case flowInitCommand:
			conn.push(t, successFrame(msg.ID, map[string]any{"type": "create_entry", "title": "Instant"}))
		}
	}

	negotiator := newTestNegotiator(conn, 5*time.Second)

	outcome, err := negotiator.CreateResource(context.Background(), "local_todo", "Instant")
	require.NoError(t, err)
	assert.True(t, outcome.Created)
	assert.Equal(t, "Instant", outcome.Title)

	// auth and init only: the flow never asked for input.
	assert.Len(t, conn.writes, 2)
}

func TestFlowNegotiator_AuthRejected(t *testing.T) {
	conn := newScriptConn()
	conn.push(t, map[string]any{"type": "auth_required"})

	conn.onWrite = func(v any) {
		if _, ok := v.(authMessage); ok {
			conn.push(t, map[string]any{"type": "auth_invalid", "message": "Invalid access token"})
		}
	}

	negotiator := newTestNegotiator(conn, 5*time.Second)

	outcome, err := negotiator.CreateResource(context.Background(), "local_todo", "Chores")
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.Equal(t, apperrors.KindNegotiationFailed, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "rejected the credentials")

	assert.Len(t, conn.writes, 1)
	assert.Equal(t, 1, conn.closes)
}

func TestFlowNegotiator_DeclinedFlowResolves(t *testing.T) {
	conn := newScriptConn()
	conn.push(t, map[string]any{"type": "auth_required"})

	conn.onWrite = func(v any) {
		switch msg := v.(type) {
		case authMessage:
			conn.push(t, map[string]any{"type": "auth_ok"})
		case flowInitCommand:
			conn.push(t, map[string]any{
				"id": msg.ID, "type": "result", "success": false,
				"error": map[string]any{"code": "unknown_handler", "message": "Handler local_todo is not supported"},
			})
		}
	}

	negotiator := newTestNegotiator(conn, 5*time.Second)

	outcome, err := negotiator.CreateResource(context.Background(), "local_todo", "Chores")
	require.NoError(t, err, "a remote decline is an outcome, not a failure")
	assert.False(t, outcome.Created)
	assert.Equal(t, "Handler local_todo is not supported", outcome.Reason)
	assert.Equal(t, 1, conn.closes)
}

func TestFlowNegotiator_AbortedFlowResolves(t *testing.T) {
	conn := newScriptConn()
	conn.push(t, map[string]any{"type": "auth_required"})

	conn.onWrite = func(v any) {
		switch msg := v.(type) {
		case authMessage:
			conn.push(t, map[string]any{"type": "auth_ok"})
		case flowInitCommand:
			conn.push(t, successFrame(msg.ID, map[string]any{"type": "abort", "reason": "already_configured"}))
		}
	}

	negotiator := newTestNegotiator(conn, 5*time.Second)

	outcome, err := negotiator.CreateResource(context.Background(), "local_todo", "Chores")
	require.NoError(t, err)
	assert.False(t, outcome.Created)
	assert.Equal(t, "already_configured", outcome.Reason)
}

func TestFlowNegotiator_StaleResultsIgnored(t *testing.T) {
	conn := newScriptConn()
	conn.push(t, map[string]any{"type": "auth_required"})

	conn.onWrite = func(v any) {
		switch msg := v.(type) {
		case authMessage:
			conn.push(t, map[string]any{"type": "auth_ok"})
		case flowInitCommand:
			// A stale failure under a foreign id must not decline the session.
			conn.push(t, map[string]any{"id": 99, "type": "result", "success": false})
			conn.push(t, successFrame(msg.ID, map[string]any{"flow_id": "f1"}))
		case flowConfigureCommand:
			conn.push(t, successFrame(msg.ID, map[string]any{"title": "Chores"}))
		}
	}

	negotiator := newTestNegotiator(conn, 5*time.Second)

	outcome, err := negotiator.CreateResource(context.Background(), "local_todo", "Chores")
	require.NoError(t, err)
	assert.True(t, outcome.Created)
}

func TestFlowNegotiator_GarbageFramesSkipped(t *testing.T) {
	conn := newScriptConn()
	conn.inbound <- []byte("{not json")
	conn.push(t, map[string]any{"type": "auth_required"})

	conn.onWrite = func(v any) {
		switch msg := v.(type) {
		case authMessage:
			conn.push(t, map[string]any{"type": "auth_ok"})
		case flowInitCommand:
			conn.push(t, successFrame(msg.ID, map[string]any{"title": "Chores"}))
		}
	}

	negotiator := newTestNegotiator(conn, 5*time.Second)

	outcome, err := negotiator.CreateResource(context.Background(), "local_todo", "Chores")
	require.NoError(t, err)
	assert.True(t, outcome.Created)
}

func TestFlowNegotiator_DeadlineRejects(t *testing.T) {
	conn := newScriptConn()
	conn.push(t, map[string]any{"type": "auth_required"})
	// No auth_ok ever arrives.

	negotiator := newTestNegotiator(conn, 50*time.Millisecond)

	outcome, err := negotiator.CreateResource(context.Background(), "local_todo", "Chores")
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.Equal(t, apperrors.KindNegotiationFailed, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "deadline")
	assert.Equal(t, 1, conn.closes)
}

func TestFlowNegotiator_ClosedBeforeAuthRejects(t *testing.T) {
	conn := newScriptConn()
	conn.push(t, map[string]any{"type": "auth_required"})

	conn.onWrite = func(v any) {
		if _, ok := v.(authMessage); ok {
			close(conn.inbound)
		}
	}

	negotiator := newTestNegotiator(conn, 5*time.Second)

	_, err := negotiator.CreateResource(context.Background(), "local_todo", "Chores")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNegotiationFailed, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "before authentication")
}

func TestFlowNegotiator_ConnectionLostMidFlow(t *testing.T) {
	conn := newScriptConn()
	conn.push(t, map[string]any{"type": "auth_required"})

	conn.onWrite = func(v any) {
		switch v.(type) {
		case authMessage:
			conn.push(t, map[string]any{"type": "auth_ok"})
		case flowInitCommand:
			close(conn.inbound)
		}
	}

	negotiator := newTestNegotiator(conn, 5*time.Second)

	_, err := negotiator.CreateResource(context.Background(), "local_todo", "Chores")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNegotiationFailed, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "lost mid-flow")
}

func TestFlowNegotiator_DialFailureRejects(t *testing.T) {
	negotiator := NewFlowNegotiator("ws://ha.local:8123/api/websocket", "secret-token", time.Second, testLogger())
	negotiator.dial = func(ctx context.Context, endpoint string) (Conn, error) {
		return nil, errors.New("connection refused")
	}

	outcome, err := negotiator.CreateResource(context.Background(), "local_todo", "Chores")
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.Equal(t, apperrors.KindNegotiationFailed, apperrors.KindOf(err))
}

// The scripted fake covers the machine; this covers the wire. A real
// gorilla server drives the same happy path end to end.
func TestFlowNegotiator_OverRealWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer func() { _ = conn.Close() }()

		if !assert.NoError(t, conn.WriteJSON(map[string]any{"type": "auth_required"})) {
			return
		}

		var auth struct {
			Type        string `json:"type"`
			AccessToken string `json:"access_token"`
		}
		if !assert.NoError(t, conn.ReadJSON(&auth)) {
			return
		}
		assert.Equal(t, "auth", auth.Type)
		assert.Equal(t, "secret-token", auth.AccessToken)

		if !assert.NoError(t, conn.WriteJSON(map[string]any{"type": "auth_ok"})) {
			return
		}

		var init map[string]any
		if !assert.NoError(t, conn.ReadJSON(&init)) {
			return
		}
		assert.Equal(t, "config_entries/flow/init", init["type"])
		assert.Equal(t, "local_todo", init["handler"])

		initID := int(init["id"].(float64))
		if !assert.NoError(t, conn.WriteJSON(map[string]any{
			"id": initID, "type": "result", "success": true,
			"result": map[string]any{"flow_id": "real-1", "type": "form", "step_id": "user"},
		})) {
			return
		}

		var configure map[string]any
		if !assert.NoError(t, conn.ReadJSON(&configure)) {
			return
		}
		assert.Equal(t, "real-1", configure["flow_id"])

		userInput, _ := configure["user_input"].(map[string]any)
		assert.Equal(t, "Groceries", userInput["name"])

		configureID := int(configure["id"].(float64))
		assert.NoError(t, conn.WriteJSON(map[string]any{
			"id": configureID, "type": "result", "success": true,
			"result": map[string]any{"type": "create_entry", "title": "Groceries"},
		}))
	}))
	t.Cleanup(server.Close)

	endpoint := "ws" + strings.TrimPrefix(server.URL, "http")
	negotiator := NewFlowNegotiator(endpoint, "secret-token", 5*time.Second, testLogger())

	outcome, err := negotiator.CreateResource(context.Background(), "local_todo", "Groceries")
	require.NoError(t, err)
	assert.True(t, outcome.Created)
	assert.Equal(t, "Groceries", outcome.Title)
}
