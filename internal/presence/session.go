package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/janusvr/presence/internal/protocol"
	"github.com/janusvr/presence/internal/transport"
)

// outboundQueueSize bounds each session's outbound event queue. A client
// that falls this far behind has stopped reading and gets disconnected.
const outboundQueueSize = 256

// Session is the server-side protocol state machine for one client
// connection. It frames inbound records, enforces the auth gate, dispatches
// methods through a fixed table, tracks room memberships, and emits outbound
// events.
//
// Outbound delivery is decoupled from dispatch: send enqueues onto out and a
// per-session writer goroutine drains it onto the connection, so a stalled
// client never holds up the dispatch lock.
//
// All mutable state except closed is guarded by the Registry's dispatch lock.
type Session struct {
	reg    *Registry
	conn   transport.Conn
	logger *zap.Logger
	cid    string

	closed    atomic.Bool
	out       chan []byte
	closeOnce sync.Once

	// id is the display name, assigned exactly once at successful logon.
	id string
	// authed gates every method except logon.
	authed bool
	// clientVersion is the free-form version string reported at logon.
	clientVersion string
	// subscribed are the rooms this session explicitly joined, in join order.
	subscribed []*Room
	// currentRoom is the room the session is presently "in"; at most one.
	currentRoom *Room
}

func newSession(reg *Registry, conn transport.Conn, logger *zap.Logger) *Session {
	return &Session{
		reg:    reg,
		conn:   conn,
		logger: logger,
		cid:    uuid.NewString()[:8],
		out:    make(chan []byte, outboundQueueSize),
	}
}

// handler processes one dispatched method. A returned *protocol.ClientError
// is reported to the client; the connection stays open either way.
type handler func(s *Session, raw json.RawMessage) error

// dispatchTable maps each allow-listed method to its handler. Built once at
// startup; the allow-list itself lives in the protocol package.
var dispatchTable = map[protocol.Method]handler{
	protocol.MethodLogon:        (*Session).handleLogon,
	protocol.MethodSubscribe:    (*Session).handleSubscribe,
	protocol.MethodUnsubscribe:  (*Session).handleUnsubscribe,
	protocol.MethodEnterRoom:    (*Session).handleEnterRoom,
	protocol.MethodMove:         (*Session).handleMove,
	protocol.MethodChat:         (*Session).handleChat,
	protocol.MethodPortal:       (*Session).handlePortal,
	protocol.MethodUsersOnline:  (*Session).handleUsersOnline,
	protocol.MethodGetPartylist: (*Session).handleGetPartylist,
}

// run reads and processes records until the connection closes.
func (s *Session) run(ctx context.Context) {
	go s.writeLoop()
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	for {
		record, err := s.conn.ReadRecord()
		if err != nil {
			return
		}
		s.handleRecord(record)
	}
}

// handleRecord frames, validates, and dispatches one inbound record under
// the dispatch lock. Parse and validation failures are reported to the
// client without closing the connection and without side effects.
func (s *Session) handleRecord(record []byte) {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	msg, err := protocol.Parse(record)
	if err != nil {
		s.clientError(protocol.ErrParse)
		return
	}

	method := protocol.Method(msg.Method)
	if !method.Valid() {
		s.clientError(protocol.ErrInvalidMethod(msg.Method))
		return
	}

	if method != protocol.MethodLogon && !s.authed {
		s.clientError(protocol.ErrAuthRequired)
		return
	}

	if err := dispatchTable[method](s, msg.Data); err != nil {
		var cerr *protocol.ClientError
		if errors.As(err, &cerr) {
			s.clientError(cerr)
			return
		}
		s.logger.Error("dispatch failed",
			zap.String("cid", s.cid),
			zap.String("method", msg.Method),
			zap.Error(err),
		)
	}
}

// send serializes one outbound event and enqueues it for the writer
// goroutine. Enqueueing never blocks: writes after close are silently
// dropped, and a full queue means the client has stopped reading, so its
// connection is dropped instead of stalling the dispatch that is sending.
func (s *Session) send(method string, data any) {
	if s.closed.Load() {
		return
	}
	record, err := protocol.Encode(method, data)
	if err != nil {
		s.logger.Error("encoding outbound event",
			zap.String("cid", s.cid),
			zap.String("method", method),
			zap.Error(err),
		)
		return
	}
	select {
	case s.out <- record:
	default:
		s.logger.Warn("outbound queue full, dropping connection",
			zap.String("cid", s.cid),
			zap.String("method", method),
		)
		s.closed.Store(true)
		_ = s.conn.Close()
	}
}

// writeLoop drains the outbound queue onto the connection. It exits when the
// queue is closed by the disconnect unwind; on a write failure it closes the
// connection so the read loop unwinds the session.
func (s *Session) writeLoop() {
	for record := range s.out {
		if err := s.conn.WriteRecord(record); err != nil {
			s.logger.Debug("dropping outbound events",
				zap.String("cid", s.cid),
				zap.Error(err),
			)
			_ = s.conn.Close()
			break
		}
	}
	for range s.out {
	}
}

// shutdownLocked marks the session closed and releases its writer goroutine.
// Safe to call more than once.
//
// Precondition: the Registry's dispatch lock must be held, so no send can
// race the queue close.
func (s *Session) shutdownLocked() {
	s.closed.Store(true)
	s.closeOnce.Do(func() {
		close(s.out)
	})
}

// clientError reports a recoverable failure to exactly this client.
func (s *Session) clientError(cerr *protocol.ClientError) {
	name := s.id
	if name == "" {
		name = "Unnamed"
	}
	s.logger.Warn("client error",
		zap.String("cid", s.cid),
		zap.String("remote_addr", s.conn.RemoteAddr()),
		zap.String("user_id", name),
		zap.String("message", cerr.Message),
	)
	s.send(protocol.EventError, map[string]any{"message": cerr.Message})
}

func stringField(data map[string]any, key string) (string, bool) {
	v, ok := data[key].(string)
	return v, ok
}

// handleLogon authenticates the session: validates the requested name,
// checks it against live sessions, registers the directory entry, resolves
// the logon room, and schedules the implicit subscribe.
func (s *Session) handleLogon(raw json.RawMessage) error {
	data := protocol.NormalizeData(raw)

	userID, ok := stringField(data, "userId")
	if !ok || userID == "" {
		return protocol.ErrMissingUserID
	}
	if !protocol.ValidUserID(userID) {
		return protocol.ErrBadUserID
	}
	roomID, ok := stringField(data, "roomId")
	if !ok {
		return protocol.ErrMissingRoomID
	}
	if !s.reg.isNameFreeLocked(userID) {
		return protocol.ErrNameInUse
	}

	s.reg.invokeHookLocked("logon", userID, data)

	s.id = userID
	s.authed = true
	s.clientVersion = "undefined"
	if v, ok := stringField(data, "version"); ok {
		s.clientVersion = v
	}

	s.reg.directory[userID] = &DirectoryEntry{
		RoomID: roomID,
		Send:   s.send,
	}
	s.currentRoom = s.reg.getRoomLocked(roomID)

	s.logger.Info("user signed on",
		zap.String("cid", s.cid),
		zap.String("user_id", userID),
		zap.String("room_id", roomID),
		zap.String("client_version", s.clientVersion),
	)

	// Give the client a moment to finish its own setup, then join the logon
	// room on its behalf. Skipped if the connection is gone by fire time.
	time.AfterFunc(s.reg.opts.Session.AutoSubscribeDelay, func() {
		s.reg.mu.Lock()
		defer s.reg.mu.Unlock()
		if s.closed.Load() {
			return
		}
		s.subscribeLocked(roomID)
		s.send(protocol.EventOkay, nil)
	})
	return nil
}

// handleEnterRoom moves the session between rooms: user_leave to the old
// room, directory update, party-list maintenance, user_enter to the new one.
func (s *Session) handleEnterRoom(raw json.RawMessage) error {
	data := protocol.NormalizeData(raw)

	roomID, ok := stringField(data, "roomId")
	if !ok {
		return protocol.ErrMissingRoomID
	}

	var oldRoomID any
	if s.currentRoom != nil {
		oldRoomID = s.currentRoom.ID
		s.currentRoom.Emit(protocol.EventUserLeave, map[string]any{
			"userId":    s.id,
			"roomId":    s.currentRoom.ID,
			"newRoomId": roomID,
		})
	}

	s.reg.invokeHookLocked("enter_room", s.id, data)

	if entry := s.reg.directory[s.id]; entry != nil {
		if old, ok := oldRoomID.(string); ok {
			entry.OldRoomID = old
		} else {
			entry.OldRoomID = ""
		}
		entry.RoomID = roomID
	}

	roomURL, hasURL := stringField(data, "roomUrl")
	if protocol.Truthy(data["partyMode"]) && hasURL && protocol.ValidRoomURL(roomURL) {
		roomName, _ := stringField(data, "roomName")
		s.reg.partyList[s.id] = PartyEntry{
			RoomID:        roomID,
			RoomURL:       roomURL,
			RoomName:      roomName,
			ClientVersion: s.clientVersion,
		}
	} else {
		delete(s.reg.partyList, s.id)
	}
	s.reg.savePartyListLocked()

	s.currentRoom = s.reg.getRoomLocked(roomID)
	s.currentRoom.Emit(protocol.EventUserEnter, map[string]any{
		"userId":    s.id,
		"roomId":    roomID,
		"oldRoomId": oldRoomID,
	})
	return nil
}

// handleMove relays a position update to the current room verbatim.
func (s *Session) handleMove(raw json.RawMessage) error {
	if s.currentRoom == nil {
		return protocol.ErrNoCurrentRoom(protocol.MethodMove)
	}
	s.currentRoom.Emit(protocol.EventUserMoved, map[string]any{
		"roomId":   s.currentRoom.ID,
		"userId":   s.id,
		"position": rawOrNull(raw),
	})
	return nil
}

// handleChat relays a chat payload to the current room verbatim.
func (s *Session) handleChat(raw json.RawMessage) error {
	if s.currentRoom == nil {
		return protocol.ErrNoCurrentRoom(protocol.MethodChat)
	}
	s.currentRoom.Emit(protocol.EventUserChat, map[string]any{
		"roomId":  s.currentRoom.ID,
		"userId":  s.id,
		"message": rawOrNull(raw),
	})
	return nil
}

// handlePortal relays a portal placement to the current room and
// acknowledges the caller. Portal persistence is deliberately not done.
func (s *Session) handlePortal(raw json.RawMessage) error {
	if s.currentRoom == nil {
		return protocol.ErrNoCurrentRoom(protocol.MethodPortal)
	}

	var portal struct {
		URL string          `json:"url"`
		Pos json.RawMessage `json:"pos"`
		Fwd json.RawMessage `json:"fwd"`
	}
	_ = json.Unmarshal(raw, &portal)

	s.currentRoom.Emit(protocol.EventUserPortal, map[string]any{
		"roomId": s.currentRoom.ID,
		"userId": s.id,
		"url":    portal.URL,
		"pos":    rawOrNull(portal.Pos),
		"fwd":    rawOrNull(portal.Fwd),
	})
	s.send(protocol.EventOkay, nil)
	return nil
}

// handleSubscribe joins a room's broadcast set. Idempotent.
func (s *Session) handleSubscribe(raw json.RawMessage) error {
	data := protocol.NormalizeData(raw)
	roomID, ok := stringField(data, "roomId")
	if !ok {
		return protocol.ErrMissingRoomID
	}
	s.subscribeLocked(roomID)
	s.send(protocol.EventOkay, nil)
	return nil
}

func (s *Session) subscribeLocked(roomID string) {
	room := s.reg.getRoomLocked(roomID)
	for _, r := range s.subscribed {
		if r == room {
			return
		}
	}
	room.Add(s)
	s.subscribed = append(s.subscribed, room)
}

// handleUnsubscribe leaves a room's broadcast set and prunes the room from
// the registry table when the set empties. This is the only pruning point:
// a room referenced solely as someone's currentRoom stays in the table.
func (s *Session) handleUnsubscribe(raw json.RawMessage) error {
	data := protocol.NormalizeData(raw)
	roomID, ok := stringField(data, "roomId")
	if !ok {
		return protocol.ErrMissingRoomID
	}

	if room, exists := s.reg.rooms[roomID]; exists {
		for i, r := range s.subscribed {
			if r == room {
				room.Remove(s)
				s.subscribed = append(s.subscribed[:i], s.subscribed[i+1:]...)
				break
			}
		}
		if room.IsEmpty() {
			delete(s.reg.rooms, roomID)
		}
	}
	s.send(protocol.EventOkay, nil)
	return nil
}

// handleUsersOnline reports directory entries, optionally filtered by room,
// capped at min(requested, configured) results.
func (s *Session) handleUsersOnline(raw json.RawMessage) error {
	data := protocol.NormalizeData(raw)

	max := s.reg.opts.Directory.MaxUserResults
	if requested, ok := data["maxResults"].(float64); ok && int(requested) < max {
		max = int(requested)
	}
	if max < 0 {
		max = 0
	}

	roomID, filtered := stringField(data, "roomId")

	users := make([]string, 0, max)
	for id, entry := range s.reg.directory {
		if filtered && entry.RoomID != roomID {
			continue
		}
		if len(users) >= max {
			break
		}
		users = append(users, id)
	}

	resp := map[string]any{
		"results": len(users),
		"users":   users,
	}
	if filtered {
		resp["roomId"] = roomID
	}
	s.send(protocol.EventUsersOnline, resp)
	return nil
}

// handleGetPartylist returns the party-list table verbatim.
func (s *Session) handleGetPartylist(json.RawMessage) error {
	list := make(map[string]PartyEntry, len(s.reg.partyList))
	for id, entry := range s.reg.partyList {
		list[id] = entry
	}
	s.send(protocol.EventGetPartylist, list)
	return nil
}

// rawOrNull keeps a client payload verbatim for relay, substituting JSON
// null when the client sent nothing.
func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
