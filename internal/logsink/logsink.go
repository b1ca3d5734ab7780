// Package logsink provides the append-only record of delivery attempts and
// system events. Rows are never updated or deleted once written; the admin
// panel reads them for its dashboards.
package logsink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Outcome is one delivery attempt for one destination of one alert event.
// All rows belonging to the same alert share one EventID.
type Outcome struct {
	EventID     string
	Destination string
	CallerHost  string
	Room        string
	Username    string
	DeliveredAt time.Time
	Status      string
}

// Sink records delivery outcomes and system events.
type Sink interface {
	AppendDeliveryOutcome(ctx context.Context, o Outcome) error
	AppendSystemEvent(ctx context.Context, message string) error
}

// DB is the Postgres-backed log sink.
type DB struct {
	conn *sql.DB
}

// NewDB opens a log sink connection using the provided DSN.
func NewDB(dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open log sink connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping log database: %w", err)
	}

	return &DB{conn: conn}, nil
}

// NewDBWithConn wraps an existing connection.
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

// AppendDeliveryOutcome writes one delivery row.
func (db *DB) AppendDeliveryOutcome(ctx context.Context, o Outcome) error {
	query := `
		INSERT INTO logs_alertas (id_evento, ip_receptor, hostname_chamador, nome_sala, nome_usuario, data_hora, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := db.conn.ExecContext(ctx, query,
		o.EventID,
		o.Destination,
		o.CallerHost,
		o.Room,
		o.Username,
		o.DeliveredAt,
		o.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to append delivery outcome: %w", err)
	}
	return nil
}

// AppendSystemEvent writes one system event row.
func (db *DB) AppendSystemEvent(ctx context.Context, message string) error {
	query := `INSERT INTO logs_sistema (log, data_hora) VALUES ($1, $2)`

	_, err := db.conn.ExecContext(ctx, query, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append system event: %w", err)
	}
	return nil
}

var _ Sink = (*DB)(nil)
