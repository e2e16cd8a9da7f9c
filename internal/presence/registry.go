// Package presence implements the presence server core: the per-connection
// protocol state machine (Session), room-based broadcast groups (Room), and
// the Registry that owns all shared state.
//
// The legacy system ran on a single-threaded event loop, giving every
// dispatched method atomicity with respect to every other. The Registry
// reproduces that model with one dispatch mutex held for the duration of
// each inbound record, the disconnect unwind, and the post-logon timer body.
// Persistence calls leave the lock as fire-and-forget tasks.
package presence

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/janusvr/presence/internal/config"
	"github.com/janusvr/presence/internal/protocol"
	"github.com/janusvr/presence/internal/transport"
)

// persistTimeout bounds each fire-and-forget store call.
const persistTimeout = 5 * time.Second

// Options configures a Registry. The store and hook collaborators are
// optional; a nil collaborator disables that concern.
type Options struct {
	Directory   config.DirectoryConfig
	Session     config.SessionConfig
	AccessStats bool

	Users     UserStore
	PartyList PartyListStore
	Hooks     HookRunner
}

// Registry owns the set of live sessions, the lazily-created room table, the
// online-user directory, and the party list. It bridges sessions and rooms
// to the external persistence collaborators.
type Registry struct {
	opts   Options
	logger *zap.Logger

	// mu is the dispatch lock: every protocol dispatch, disconnect unwind,
	// and timer body runs entirely inside one critical section.
	mu        sync.Mutex
	sessions  map[*Session]struct{}
	rooms     map[string]*Room
	directory map[string]*DirectoryEntry
	partyList map[string]PartyEntry

	// snapshot is the read-mostly user directory cache, refreshed on a
	// timer. Deliberately a separate data source from the live-session
	// uniqueness scan.
	snapMu   sync.RWMutex
	snapshot []UserRecord

	refreshQuit chan struct{}
	refreshOnce sync.Once
}

// NewRegistry creates an empty Registry.
//
// Precondition: logger must be non-nil.
func NewRegistry(opts Options, logger *zap.Logger) *Registry {
	return &Registry{
		opts:        opts,
		logger:      logger,
		sessions:    make(map[*Session]struct{}),
		rooms:       make(map[string]*Room),
		directory:   make(map[string]*DirectoryEntry),
		partyList:   make(map[string]PartyEntry),
		refreshQuit: make(chan struct{}),
	}
}

// HandleConn runs the protocol for one connected client. It blocks until the
// connection closes, then unwinds the session's registrations.
//
// Postcondition: The session is removed from the session set, the directory,
// the party list, and every room it had joined.
func (r *Registry) HandleConn(ctx context.Context, conn transport.Conn) {
	s := newSession(r, conn, r.logger)

	r.mu.Lock()
	r.sessions[s] = struct{}{}
	connected := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session opened",
		zap.String("cid", s.cid),
		zap.String("remote_addr", conn.RemoteAddr()),
		zap.Int("connected", connected),
	)

	if r.opts.AccessStats && r.opts.Users != nil {
		r.recordAccess(conn.RemoteAddr())
	}

	s.run(ctx)
	r.removeSession(s)
}

// removeSession unwinds a disconnected session. Room membership is removed
// without pruning the room table; pruning happens only on explicit
// unsubscribe, matching the legacy lifecycle.
func (r *Registry) removeSession(s *Session) {
	r.mu.Lock()
	s.shutdownLocked()

	if s.authed {
		delete(r.directory, s.id)
	}
	delete(r.partyList, s.id)
	r.savePartyListLocked()

	if s.currentRoom != nil {
		s.currentRoom.Emit(protocol.EventUserDisconnected, map[string]any{"userId": s.id})
	}
	for _, room := range s.subscribed {
		room.Remove(s)
	}
	delete(r.sessions, s)
	connected := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session closed",
		zap.String("cid", s.cid),
		zap.String("user_id", s.id),
		zap.Int("connected", connected),
	)
}

// getRoomLocked resolves or lazily creates the room for id.
//
// Precondition: r.mu must be held.
func (r *Registry) getRoomLocked(id string) *Room {
	room, ok := r.rooms[id]
	if !ok {
		room = newRoom(id)
		r.rooms[id] = room
	}
	return room
}

// isNameFreeLocked scans live sessions for the given display name.
// Case-sensitive exact match; a point-in-time check, not a reservation.
//
// Precondition: r.mu must be held.
func (r *Registry) isNameFreeLocked(name string) bool {
	for s := range r.sessions {
		if s.id == name {
			return false
		}
	}
	return true
}

// invokeHookLocked calls the extension hook collaborator for a checkpoint.
//
// Precondition: r.mu must be held.
func (r *Registry) invokeHookLocked(checkpoint, userID string, data map[string]any) {
	if r.opts.Hooks == nil {
		return
	}
	r.opts.Hooks.Invoke(checkpoint, userID, data)
}

// savePartyListLocked snapshots the party list under the dispatch lock and
// persists it asynchronously. Store failures are logged, never surfaced to
// clients, and never roll back in-memory state.
//
// Precondition: r.mu must be held.
func (r *Registry) savePartyListLocked() {
	if r.opts.PartyList == nil {
		return
	}
	snapshot := make(map[string]PartyEntry, len(r.partyList))
	for id, entry := range r.partyList {
		snapshot[id] = entry
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := r.opts.PartyList.Save(ctx, snapshot); err != nil {
			r.logger.Warn("persisting party list",
				zap.Int("entries", len(snapshot)),
				zap.Error(err),
			)
		}
	}()
}

func (r *Registry) recordAccess(addr string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := r.opts.Users.RecordAccess(ctx, addr); err != nil {
			r.logger.Warn("recording access",
				zap.String("remote_addr", addr),
				zap.Error(err),
			)
		}
	}()
}

// RefreshDirectory reloads the user directory snapshot from the store.
func (r *Registry) RefreshDirectory(ctx context.Context) error {
	if r.opts.Users == nil {
		return nil
	}
	rows, err := r.opts.Users.FetchAllUsers(ctx)
	if err != nil {
		r.logger.Warn("refreshing user directory", zap.Error(err))
		return err
	}

	r.snapMu.Lock()
	r.snapshot = rows
	r.snapMu.Unlock()

	r.logger.Info("user directory refreshed", zap.Int("users", len(rows)))
	return nil
}

// RunDirectoryRefresher refreshes the user directory snapshot at the
// configured interval until StopDirectoryRefresher is called. Blocks.
func (r *Registry) RunDirectoryRefresher() error {
	_ = r.RefreshDirectory(context.Background())

	ticker := time.NewTicker(r.opts.Directory.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = r.RefreshDirectory(context.Background())
		case <-r.refreshQuit:
			return nil
		}
	}
}

// StopDirectoryRefresher stops the refresh loop. Safe to call more than once.
func (r *Registry) StopDirectoryRefresher() {
	r.refreshOnce.Do(func() {
		close(r.refreshQuit)
	})
}

// UserInfo looks up a user row in the directory snapshot by name,
// case-insensitively. Consulted for directory lookups only, never for the
// live uniqueness check.
func (r *Registry) UserInfo(name string) (UserRecord, bool) {
	r.snapMu.RLock()
	defer r.snapMu.RUnlock()

	var rec UserRecord
	found := false
	for _, row := range r.snapshot {
		if strings.EqualFold(row.User, name) {
			rec = row
			found = true
		}
	}
	return rec, found
}

// ConnectedCount returns the number of live sessions, authenticated or not.
func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// RoomCount returns the number of rooms in the room table.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Teardown closes every live connection and clears all shared tables, for
// deterministic shutdown.
//
// Postcondition: All maps are empty and all session connections are closed.
func (r *Registry) Teardown() {
	r.StopDirectoryRefresher()

	r.mu.Lock()
	defer r.mu.Unlock()

	for s := range r.sessions {
		s.shutdownLocked()
		_ = s.conn.Close()
	}
	r.sessions = make(map[*Session]struct{})
	r.rooms = make(map[string]*Room)
	r.directory = make(map[string]*DirectoryEntry)
	r.partyList = make(map[string]PartyEntry)
}
