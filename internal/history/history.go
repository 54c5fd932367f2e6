// Package history archives every published projection to Postgres so a
// day's tracking can be replayed or inspected after the fact.
package history

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"metro-tracker/internal/tracker"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Recorder is a projection sink backed by a Postgres table.
type Recorder struct {
	db *sql.DB
}

// NewRecorder ensures the archive table exists and returns the sink.
func NewRecorder(ctx context.Context, db *sql.DB) (*Recorder, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS projection_history (
    id          BIGSERIAL PRIMARY KEY,
    trn         TEXT NOT NULL,
    from_code   TEXT NOT NULL DEFAULT '',
    to_code     TEXT NOT NULL DEFAULT '',
    current     TEXT NOT NULL DEFAULT '',
    departed    BOOLEAN NOT NULL DEFAULT FALSE,
    candidates  TEXT NOT NULL DEFAULT '',
    updated_at  TIMESTAMPTZ NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, err
	}
	return &Recorder{db: db}, nil
}

// Publish implements tracker.Sink. Insert failures are logged, not
// propagated: archiving is best effort and must never stall the session.
func (r *Recorder) Publish(proj tracker.Projection) {
	const insert = `
INSERT INTO projection_history (trn, from_code, to_code, current, departed, candidates, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, insert,
		proj.TRN, proj.From, proj.To, proj.Current, proj.Departed,
		strings.Join(proj.Candidates, ","), proj.UpdatedAt)
	if err != nil {
		log.Printf("archive projection for %s: %v", proj.TRN, err)
	}
}
