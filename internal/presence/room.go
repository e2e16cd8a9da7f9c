package presence

// Room is a named broadcast group. It owns the membership set for one
// logical space and delivers events to every current member.
//
// Rooms are created lazily by the Registry and are not safe for concurrent
// use on their own; all access is serialized by the Registry's dispatch lock.
type Room struct {
	// ID is the stable room identifier.
	ID string

	members map[*Session]struct{}
}

func newRoom(id string) *Room {
	return &Room{
		ID:      id,
		members: make(map[*Session]struct{}),
	}
}

// Add inserts a session into the broadcast set. Idempotent.
func (r *Room) Add(s *Session) {
	r.members[s] = struct{}{}
}

// Remove deletes a session from the broadcast set. Removing a non-member is
// a no-op.
func (r *Room) Remove(s *Session) {
	delete(r.members, s)
}

// IsEmpty reports whether the broadcast set has no members.
func (r *Room) IsEmpty() bool {
	return len(r.members) == 0
}

// MemberCount returns the current number of members.
func (r *Room) MemberCount() int {
	return len(r.members)
}

// Contains reports whether s is a member.
func (r *Room) Contains(s *Session) bool {
	_, ok := r.members[s]
	return ok
}

// Emit delivers an event to every current member exactly once, by enqueueing
// onto each member's outbound queue. Delivery order across members is
// unspecified. A closed or stalled member drops that one delivery; it never
// blocks or aborts delivery to the rest.
func (r *Room) Emit(event string, data any) {
	for member := range r.members {
		member.send(event, data)
	}
}
