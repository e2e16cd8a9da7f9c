package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janusvr/presence/internal/config"
)

// fakePartyStore records every Save snapshot it receives.
type fakePartyStore struct {
	mu    sync.Mutex
	saves []map[string]PartyEntry
	err   error
}

func (f *fakePartyStore) Save(_ context.Context, entries map[string]PartyEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, entries)
	return f.err
}

func (f *fakePartyStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakePartyStore) lastSave() map[string]PartyEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saves) == 0 {
		return nil
	}
	return f.saves[len(f.saves)-1]
}

// fakeUserStore serves a fixed user list and records access calls.
type fakeUserStore struct {
	mu       sync.Mutex
	users    []UserRecord
	fetchErr error
	accesses []string
}

func (f *fakeUserStore) FetchAllUsers(context.Context) ([]UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]UserRecord(nil), f.users...), nil
}

func (f *fakeUserStore) RecordAccess(_ context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accesses = append(f.accesses, addr)
	return nil
}

// fakeHookRunner records every checkpoint invocation.
type fakeHookRunner struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeHookRunner) Invoke(checkpoint, userID string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, checkpoint+":"+userID)
}

func TestPartyListLifecycle(t *testing.T) {
	store := &fakePartyStore{}
	reg := newTestRegistry(Options{PartyList: store})
	s, conn := connectSession(reg)
	logon(t, s, conn, "alice", "lobby")

	s.handleRecord(record("enter_room", map[string]any{
		"roomId":    "garden",
		"roomUrl":   "http://example.com/garden.html",
		"roomName":  "The Garden",
		"partyMode": true,
	}))

	require.Eventually(t, func() bool { return store.saveCount() >= 1 }, time.Second, time.Millisecond)
	saved := store.lastSave()
	require.Contains(t, saved, "alice")
	assert.Equal(t, PartyEntry{
		RoomID:        "garden",
		RoomURL:       "http://example.com/garden.html",
		RoomName:      "The Garden",
		ClientVersion: "undefined",
	}, saved["alice"])

	// Moving without partyMode clears the advertisement.
	count := store.saveCount()
	s.handleRecord(record("enter_room", map[string]any{"roomId": "attic"}))
	require.Eventually(t, func() bool { return store.saveCount() > count }, time.Second, time.Millisecond)
	assert.NotContains(t, store.lastSave(), "alice")
}

func TestPartyListStringTrueAndBadURL(t *testing.T) {
	store := &fakePartyStore{}
	reg := newTestRegistry(Options{PartyList: store})
	s, conn := connectSession(reg)
	logon(t, s, conn, "alice", "lobby")

	// Legacy clients send partyMode as the string "true".
	s.handleRecord(record("enter_room", map[string]any{
		"roomId":    "garden",
		"roomUrl":   "https://example.com/garden.html",
		"partyMode": "true",
	}))
	require.Eventually(t, func() bool { return store.saveCount() >= 1 }, time.Second, time.Millisecond)
	assert.Contains(t, store.lastSave(), "alice")

	// A non-http(s) URL never enters the table.
	count := store.saveCount()
	s.handleRecord(record("enter_room", map[string]any{
		"roomId":    "attic",
		"roomUrl":   "javascript:alert(1)",
		"partyMode": true,
	}))
	require.Eventually(t, func() bool { return store.saveCount() > count }, time.Second, time.Millisecond)
	assert.NotContains(t, store.lastSave(), "alice")
}

func TestPartyListClearedOnDisconnect(t *testing.T) {
	store := &fakePartyStore{}
	reg := newTestRegistry(Options{PartyList: store})
	s, conn := connectSession(reg)
	logon(t, s, conn, "alice", "lobby")

	s.handleRecord(record("enter_room", map[string]any{
		"roomId":    "garden",
		"roomUrl":   "http://example.com/garden.html",
		"partyMode": true,
	}))
	require.Eventually(t, func() bool { return store.saveCount() >= 1 }, time.Second, time.Millisecond)

	count := store.saveCount()
	reg.removeSession(s)
	require.Eventually(t, func() bool { return store.saveCount() > count }, time.Second, time.Millisecond)
	assert.NotContains(t, store.lastSave(), "alice")
}

func TestPartyListStoreFailureDoesNotUnwindState(t *testing.T) {
	store := &fakePartyStore{err: errors.New("database down")}
	reg := newTestRegistry(Options{PartyList: store})
	s, conn := connectSession(reg)
	logon(t, s, conn, "alice", "lobby")

	s.handleRecord(record("enter_room", map[string]any{
		"roomId":    "garden",
		"roomUrl":   "http://example.com/garden.html",
		"partyMode": true,
	}))
	require.Eventually(t, func() bool { return store.saveCount() >= 1 }, time.Second, time.Millisecond)

	reg.mu.Lock()
	_, present := reg.partyList["alice"]
	reg.mu.Unlock()
	assert.True(t, present, "in-memory table keeps the entry despite the store failure")
}

func TestGetPartylistReturnsTable(t *testing.T) {
	reg := newTestRegistry(Options{})
	s, conn := connectSession(reg)
	logon(t, s, conn, "alice", "lobby")

	s.handleRecord(record("enter_room", map[string]any{
		"roomId":    "garden",
		"roomUrl":   "http://example.com/garden.html",
		"roomName":  "The Garden",
		"partyMode": true,
	}))
	s.handleRecord(record("get_partylist", nil))

	evts := conn.waitNamed(t, "get_partylist", 1)
	require.Len(t, evts, 1)
	payload := dataMap(t, evts[0])
	require.Contains(t, payload, "alice")
	entry := payload["alice"].(map[string]any)
	assert.Equal(t, "garden", entry["roomId"])
	assert.Equal(t, "http://example.com/garden.html", entry["roomUrl"])
	assert.Equal(t, "The Garden", entry["roomName"])
	assert.Equal(t, "undefined", entry["client_version"])
}

func TestHooksInvokedAtCheckpoints(t *testing.T) {
	hooks := &fakeHookRunner{}
	reg := newTestRegistry(Options{Hooks: hooks})
	s, conn := connectSession(reg)
	logon(t, s, conn, "alice", "lobby")
	s.handleRecord(record("enter_room", map[string]any{"roomId": "garden"}))

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	assert.Equal(t, []string{"logon:alice", "enter_room:alice"}, hooks.calls)
}

func TestRefreshDirectoryAndUserInfo(t *testing.T) {
	store := &fakeUserStore{users: []UserRecord{
		{User: "Alice", LastLogin: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), IsLoggedIn: true},
		{User: "bob"},
	}}
	reg := newTestRegistry(Options{Users: store})

	require.NoError(t, reg.RefreshDirectory(context.Background()))

	rec, ok := reg.UserInfo("alice")
	require.True(t, ok, "lookup is case-insensitive")
	assert.Equal(t, "Alice", rec.User)
	assert.True(t, rec.IsLoggedIn)

	_, ok = reg.UserInfo("carol")
	assert.False(t, ok)
}

func TestRefreshDirectoryFailureKeepsSnapshot(t *testing.T) {
	store := &fakeUserStore{users: []UserRecord{{User: "alice"}}}
	reg := newTestRegistry(Options{Users: store})
	require.NoError(t, reg.RefreshDirectory(context.Background()))

	store.mu.Lock()
	store.fetchErr = errors.New("database down")
	store.mu.Unlock()

	require.Error(t, reg.RefreshDirectory(context.Background()))
	_, ok := reg.UserInfo("alice")
	assert.True(t, ok, "a failed refresh keeps the previous snapshot")
}

func TestDirectoryRefresherStops(t *testing.T) {
	store := &fakeUserStore{}
	reg := newTestRegistry(Options{
		Users:     store,
		Directory: config.DirectoryConfig{RefreshInterval: time.Hour, MaxUserResults: 100},
	})

	done := make(chan error, 1)
	go func() { done <- reg.RunDirectoryRefresher() }()

	reg.StopDirectoryRefresher()
	reg.StopDirectoryRefresher()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("refresher did not stop")
	}
}

func TestRegistryCounters(t *testing.T) {
	reg := newTestRegistry(Options{})
	assert.Equal(t, 0, reg.ConnectedCount())

	s, conn := connectSession(reg)
	assert.Equal(t, 1, reg.ConnectedCount())

	logon(t, s, conn, "alice", "lobby")
	assert.Equal(t, 1, reg.RoomCount())

	reg.removeSession(s)
	assert.Equal(t, 0, reg.ConnectedCount())
}

func TestTeardownClosesEverything(t *testing.T) {
	reg := newTestRegistry(Options{})
	s, conn := connectSession(reg)
	logon(t, s, conn, "alice", "lobby")

	reg.Teardown()

	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, reg.ConnectedCount())
	assert.Equal(t, 0, reg.RoomCount())
}
