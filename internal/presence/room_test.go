package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/janusvr/presence/internal/protocol"
)

func TestRoomMembership(t *testing.T) {
	reg := newTestRegistry(Options{})
	room := newRoom("lobby")
	s, _ := connectSession(reg)

	assert.True(t, room.IsEmpty())
	room.Add(s)
	room.Add(s)
	assert.Equal(t, 1, room.MemberCount())
	assert.True(t, room.Contains(s))

	room.Remove(s)
	room.Remove(s)
	assert.True(t, room.IsEmpty())
	assert.False(t, room.Contains(s))
}

func TestRoomEmitReachesEveryMemberOnce(t *testing.T) {
	reg := newTestRegistry(Options{})
	room := newRoom("lobby")

	conns := make([]*fakeConn, 3)
	for i := range conns {
		s, conn := connectSession(reg)
		conns[i] = conn
		room.Add(s)
	}

	room.Emit(protocol.EventUserChat, map[string]any{"message": "hi"})

	for _, conn := range conns {
		require.Len(t, conn.waitNamed(t, protocol.EventUserChat, 1), 1)
	}
}

func TestRoomEmitSkipsClosedMembers(t *testing.T) {
	reg := newTestRegistry(Options{})
	room := newRoom("lobby")

	live, liveConn := connectSession(reg)
	room.Add(live)
	gone, goneConn := connectSession(reg)
	gone.closed.Store(true)
	room.Add(gone)

	room.Emit(protocol.EventUserChat, map[string]any{"message": "hi"})

	assert.Len(t, liveConn.waitNamed(t, protocol.EventUserChat, 1), 1)
	assert.Empty(t, goneConn.events(t))
}

// Membership stays consistent between each session's subscription list and
// the room tables under any interleaving of subscribe and unsubscribe calls.
func TestSubscriptionConsistency(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg := newTestRegistry(Options{})
		s, _ := connectSession(reg)
		reg.mu.Lock()
		s.id = "alice"
		s.authed = true
		reg.mu.Unlock()

		roomIDs := []string{"lobby", "garden", "attic", "cellar"}
		n := rapid.IntRange(1, 40).Draw(t, "ops")
		for i := 0; i < n; i++ {
			roomID := rapid.SampledFrom(roomIDs).Draw(t, "room")
			if rapid.Bool().Draw(t, "subscribe") {
				s.handleRecord(record("subscribe", map[string]any{"roomId": roomID}))
			} else {
				s.handleRecord(record("unsubscribe", map[string]any{"roomId": roomID}))
			}
		}

		reg.mu.Lock()
		seen := make(map[*Room]bool, len(s.subscribed))
		for _, room := range s.subscribed {
			if seen[room] {
				t.Fatalf("room %s appears twice in the subscription list", room.ID)
			}
			seen[room] = true
			if !room.Contains(s) {
				t.Fatalf("subscribed room %s does not contain the session", room.ID)
			}
			if reg.rooms[room.ID] != room {
				t.Fatalf("subscribed room %s missing from the registry table", room.ID)
			}
		}
		for id, room := range reg.rooms {
			if room.Contains(s) && !seen[room] {
				t.Fatalf("room %s contains the session but is not in its list", id)
			}
		}
		reg.mu.Unlock()
		reg.Teardown()
	})
}
