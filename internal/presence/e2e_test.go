package presence_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/janusvr/presence/internal/config"
	"github.com/janusvr/presence/internal/presence"
	"github.com/janusvr/presence/internal/testutil"
	"github.com/janusvr/presence/internal/transport"
)

const wireTimeout = 2 * time.Second

func startServer(t *testing.T) *transport.Acceptor {
	t.Helper()

	reg := presence.NewRegistry(presence.Options{
		Directory: config.DirectoryConfig{RefreshInterval: time.Hour, MaxUserResults: 100},
		Session:   config.SessionConfig{AutoSubscribeDelay: 5 * time.Millisecond, WriteTimeout: 5 * time.Second},
	}, zap.NewNop())

	a := transport.NewAcceptor(
		config.ServerConfig{Host: "127.0.0.1", Port: 0},
		config.SessionConfig{WriteTimeout: 5 * time.Second},
		reg, zap.NewNop(),
	)
	go func() {
		if err := a.ListenAndServe(); err != nil {
			t.Errorf("acceptor failed: %v", err)
		}
	}()
	require.Eventually(t, a.IsRunning, 5*time.Second, 10*time.Millisecond)
	t.Cleanup(a.Stop)
	return a
}

func logonClient(t *testing.T, addr, userID, roomID string) *testutil.Client {
	t.Helper()
	c := testutil.NewClient(t, addr)
	c.Send("logon", map[string]any{"userId": userID, "roomId": roomID})
	msg := c.ReadUntilMethod("okay", wireTimeout)
	require.Equal(t, "okay", msg.Method)
	return c
}

func TestEndToEndLogonAndChat(t *testing.T) {
	a := startServer(t)

	alice := logonClient(t, a.Addr(), "alice", "lobby")
	bob := logonClient(t, a.Addr(), "bob", "lobby")

	alice.Send("chat", "hello there")

	msg := bob.ReadUntilMethod("user_chat", wireTimeout)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "alice", payload["userId"])
	assert.Equal(t, "lobby", payload["roomId"])
	assert.Equal(t, "hello there", payload["message"])
}

func TestEndToEndErrorsKeepConnectionUsable(t *testing.T) {
	a := startServer(t)

	c := testutil.NewClient(t, a.Addr())

	c.SendRaw("definitely not json")
	msg := c.ReadMessage(wireTimeout)
	require.Equal(t, "error", msg.Method)

	// A bare CRLF is an unparseable record, not silence.
	c.SendRaw("")
	msg = c.ReadMessage(wireTimeout)
	require.Equal(t, "error", msg.Method)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "Unable to parse last message", payload["message"])

	c.Send("chat", "too early")
	msg = c.ReadMessage(wireTimeout)
	require.Equal(t, "error", msg.Method)

	// The same connection still completes a clean logon afterwards.
	c.Send("logon", map[string]any{"userId": "alice", "roomId": "lobby"})
	msg = c.ReadUntilMethod("okay", wireTimeout)
	assert.Equal(t, "okay", msg.Method)
}

func TestEndToEndUsersOnline(t *testing.T) {
	a := startServer(t)

	alice := logonClient(t, a.Addr(), "alice", "lobby")
	logonClient(t, a.Addr(), "bob", "garden")

	alice.Send("users_online", map[string]any{"roomId": "garden"})
	msg := alice.ReadUntilMethod("users_online", wireTimeout)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, float64(1), payload["results"])
	assert.Equal(t, []any{"bob"}, payload["users"])
}

func TestEndToEndDisconnectNotification(t *testing.T) {
	a := startServer(t)

	alice := logonClient(t, a.Addr(), "alice", "lobby")
	bob := logonClient(t, a.Addr(), "bob", "lobby")

	alice.Close()

	msg := bob.ReadUntilMethod("user_disconnected", wireTimeout)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "alice", payload["userId"])
}
