package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/janusvr/presence/internal/presence"
)

// PartyListRepository persists the party-list table. The stored table always
// mirrors the latest in-memory state; Save replaces it wholesale inside one
// transaction.
type PartyListRepository struct {
	db *pgxpool.Pool
}

// NewPartyListRepository creates a PartyListRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewPartyListRepository(db *pgxpool.Pool) *PartyListRepository {
	return &PartyListRepository{db: db}
}

// Save replaces the stored party list with the given table.
//
// Postcondition: On success the party_list table contains exactly the given
// entries. On error the previous contents are untouched.
func (r *PartyListRepository) Save(ctx context.Context, entries map[string]presence.PartyEntry) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning party list transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM party_list`); err != nil {
		return fmt.Errorf("clearing party list: %w", err)
	}

	for userID, entry := range entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO party_list (user_id, room_id, room_url, room_name, client_version)
			 VALUES ($1, $2, $3, $4, $5)`,
			userID, entry.RoomID, entry.RoomURL, entry.RoomName, entry.ClientVersion,
		); err != nil {
			return fmt.Errorf("inserting party list entry for %s: %w", userID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing party list: %w", err)
	}
	return nil
}

// Load returns the stored party list, for inspection and startup reporting.
func (r *PartyListRepository) Load(ctx context.Context) (map[string]presence.PartyEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id, room_id, room_url, room_name, client_version FROM party_list`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying party list: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]presence.PartyEntry)
	for rows.Next() {
		var userID string
		var entry presence.PartyEntry
		if err := rows.Scan(&userID, &entry.RoomID, &entry.RoomURL, &entry.RoomName, &entry.ClientVersion); err != nil {
			return nil, fmt.Errorf("scanning party list row: %w", err)
		}
		entries[userID] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating party list rows: %w", err)
	}
	return entries, nil
}
