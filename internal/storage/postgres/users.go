package postgres

import (
	"context"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/janusvr/presence/internal/presence"
)

// UserRepository serves the user directory snapshot and the connection
// access log.
type UserRepository struct {
	db *pgxpool.Pool
}

// NewUserRepository creates a UserRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

// FetchAllUsers returns every row of the usernames table.
//
// Postcondition: Returns all known user records, or an error leaving the
// caller's previous snapshot intact.
func (r *UserRepository) FetchAllUsers(ctx context.Context) ([]presence.UserRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_name, password, last_login, is_logged_in FROM usernames`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []presence.UserRecord
	for rows.Next() {
		var rec presence.UserRecord
		if err := rows.Scan(&rec.User, &rec.Password, &rec.LastLogin, &rec.IsLoggedIn); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}

// RecordAccess logs one connecting remote address with a server-side
// timestamp. The port is stripped so repeated connections from one host
// aggregate naturally.
func (r *UserRepository) RecordAccess(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if _, err := r.db.Exec(ctx,
		`INSERT INTO access_statistics (remote_addr, accessed_at) VALUES ($1, now())`,
		host,
	); err != nil {
		return fmt.Errorf("recording access: %w", err)
	}
	return nil
}
