// Package directory provides read access to the room, user and receiver
// directory maintained by the admin panel. The relay only reads it.
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Receiver is one destination station listed in the directory.
type Receiver struct {
	Addr string
	Name string
}

// Store resolves identifiers against the directory.
//
// A missing entry is reported as (zero value, false, nil); a non-nil error
// means the directory itself was unreachable, which is the only failure the
// coordinator treats as fatal.
type Store interface {
	// LookupRoom resolves a sender hostname to its room name.
	LookupRoom(ctx context.Context, hostname string) (string, bool, error)
	// LookupDisplayName resolves a login username to a display name.
	LookupDisplayName(ctx context.Context, username string) (string, bool, error)
	// ListReceiverAddresses enumerates every registered receiver station.
	ListReceiverAddresses(ctx context.Context) ([]Receiver, error)
}

// DB is the Postgres-backed directory store.
type DB struct {
	conn *sql.DB
}

// NewDB opens a directory connection using the provided DSN.
func NewDB(dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping directory database: %w", err)
	}

	return &DB{conn: conn}, nil
}

// NewDBWithConn wraps an existing connection. Used by tests and by binaries
// that share one pool between the directory and the log sink.
func NewDBWithConn(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// LookupRoom resolves a sender hostname to its room name.
func (db *DB) LookupRoom(ctx context.Context, hostname string) (string, bool, error) {
	query := `SELECT nome_sala FROM salas WHERE hostname = $1`

	var room string
	err := db.conn.QueryRowContext(ctx, query, hostname).Scan(&room)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up room for %q: %w", hostname, err)
	}
	return room, true, nil
}

// LookupDisplayName resolves a login username to a display name.
func (db *DB) LookupDisplayName(ctx context.Context, username string) (string, bool, error) {
	query := `SELECT nome_usuario FROM usuarios WHERE username = $1`

	var name string
	err := db.conn.QueryRowContext(ctx, query, username).Scan(&name)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up user %q: %w", username, err)
	}
	return name, true, nil
}

// ListReceiverAddresses enumerates every registered receiver station.
func (db *DB) ListReceiverAddresses(ctx context.Context) ([]Receiver, error) {
	query := `SELECT ip_receptor, COALESCE(nome_receptor, '') FROM receptores ORDER BY ip_receptor`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list receivers: %w", err)
	}
	defer rows.Close()

	var receivers []Receiver
	for rows.Next() {
		var r Receiver
		if err := rows.Scan(&r.Addr, &r.Name); err != nil {
			return nil, fmt.Errorf("failed to scan receiver: %w", err)
		}
		receivers = append(receivers, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating receivers: %w", err)
	}

	return receivers, nil
}

// loadRooms pulls the full hostname -> room mapping for the cache.
func (db *DB) loadRooms(ctx context.Context) (map[string]string, error) {
	query := `SELECT hostname, nome_sala FROM salas`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load rooms: %w", err)
	}
	defer rows.Close()

	rooms := make(map[string]string)
	for rows.Next() {
		var hostname, room string
		if err := rows.Scan(&hostname, &room); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		rooms[hostname] = room
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rooms: %w", err)
	}
	return rooms, nil
}

// loadUsers pulls the full username -> display name mapping for the cache.
func (db *DB) loadUsers(ctx context.Context) (map[string]string, error) {
	query := `SELECT username, nome_usuario FROM usuarios`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	defer rows.Close()

	users := make(map[string]string)
	for rows.Next() {
		var username, name string
		if err := rows.Scan(&username, &name); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users[username] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

var _ Store = (*DB)(nil)
