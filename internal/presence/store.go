package presence

import (
	"context"
	"time"
)

// UserRecord is one row of the user directory snapshot: a known account and
// its last-seen login state. The snapshot backs directory lookups only; the
// live name-uniqueness check scans connected sessions instead.
type UserRecord struct {
	User       string
	Password   string
	LastLogin  time.Time
	IsLoggedIn bool
}

// UserStore is the persistence collaborator for the user directory snapshot
// and the connection access log. Never called on the hot dispatch path.
type UserStore interface {
	// FetchAllUsers returns every known user row.
	FetchAllUsers(ctx context.Context) ([]UserRecord, error)
	// RecordAccess logs a connecting remote address.
	RecordAccess(ctx context.Context, addr string) error
}

// PartyListStore persists the party-list table. Save replaces the stored
// table with the given one; it is invoked fire-and-forget after every
// mutation, and failures are logged without unwinding protocol state.
type PartyListStore interface {
	Save(ctx context.Context, entries map[string]PartyEntry) error
}

// HookRunner is the extension hook collaborator invoked at protocol
// checkpoints before core state mutation. Hooks are advisory: they may
// observe the checkpoint data but cannot abort the operation.
type HookRunner interface {
	Invoke(checkpoint string, userID string, data map[string]any)
}

// PartyEntry advertises a user's room as joinable while partyMode is on.
type PartyEntry struct {
	RoomID        string `json:"roomId"`
	RoomURL       string `json:"roomUrl"`
	RoomName      string `json:"roomName"`
	ClientVersion string `json:"client_version"`
}

// DirectoryEntry is the authoritative "who is online and where" row for one
// authenticated user.
type DirectoryEntry struct {
	RoomID    string
	OldRoomID string
	// Send delivers an event directly to the user's connection.
	Send SendFunc
}

// SendFunc is the outbound-send capability of one connected session.
type SendFunc func(method string, data any)
