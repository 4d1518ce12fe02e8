// Package journal keeps an append-only Postgres audit trail of room
// membership changes. It is write-only from the service's point of view:
// room state is never rebuilt from it.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Kind string

const (
	KindJoined   Kind = "joined"
	KindRejected Kind = "rejected"
	KindLeft     Kind = "left"
)

type Entry struct {
	Kind         Kind
	RoomID       string
	ConnectionID string
	DisplayName  string
	Reason       string
	At           time.Time
}

type Store interface {
	Insert(ctx context.Context, e Entry) error
}

type PGStore struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*PGStore, error) {
	if err := Migrate(ctx, dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open journal for migration: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

func (s *PGStore) Insert(ctx context.Context, e Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO presence_events (kind, room_id, connection_id, display_name, reason, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.Kind), e.RoomID, e.ConnectionID, e.DisplayName, e.Reason, e.At)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", e.Kind, err)
	}
	return nil
}

// history returns up to limit entries for roomID, oldest first.
func (s *PGStore) history(ctx context.Context, roomID string, limit int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, room_id, connection_id, display_name, reason, occurred_at
		 FROM presence_events WHERE room_id = $1 ORDER BY id LIMIT $2`,
		roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e    Entry
			kind string
		)
		err := row.Scan(&kind, &e.RoomID, &e.ConnectionID, &e.DisplayName, &e.Reason, &e.At)
		e.Kind = Kind(kind)
		return e, err
	})
}

func (s *PGStore) Close() {
	s.pool.Close()
}
