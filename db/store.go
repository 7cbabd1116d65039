// Package db persists finalized transcripts in Postgres. The gateway runs
// fine without it; a nil store just means transcripts are push-only.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgxpool"

	"earshot.dev/stt"
)

type Store struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

// Open connects a pool and verifies the database is reachable.
func Open(ctx context.Context, url string, logger *log.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the transcript table if it is missing. Idempotent;
// runs at startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transcripts (
			id         BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			channel    TEXT NOT NULL,
			body       TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			spoken_at  TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("ensuring transcripts table: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS transcripts_session_idx
			ON transcripts (session_id, spoken_at)`)
	if err != nil {
		return fmt.Errorf("ensuring transcripts index: %w", err)
	}
	return nil
}

// SaveTranscript inserts one finalized transcript.
func (s *Store) SaveTranscript(ctx context.Context, sessionID string, ev stt.TranscriptEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transcripts (session_id, channel, body, confidence, spoken_at)
		VALUES ($1, $2, $3, $4, $5)`,
		sessionID, string(ev.Channel), ev.Text, ev.Confidence, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting transcript: %w", err)
	}
	return nil
}

// Transcript is one stored row.
type Transcript struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Channel    string    `json:"channel"`
	Body       string    `json:"body"`
	Confidence float64   `json:"confidence"`
	SpokenAt   time.Time `json:"spoken_at"`
}

// RecentTranscripts returns the newest rows first.
func (s *Store) RecentTranscripts(ctx context.Context, limit int) ([]Transcript, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, channel, body, confidence, spoken_at
		FROM transcripts
		ORDER BY spoken_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying transcripts: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var tr Transcript
		if err := rows.Scan(&tr.ID, &tr.SessionID, &tr.Channel, &tr.Body, &tr.Confidence, &tr.SpokenAt); err != nil {
			return nil, fmt.Errorf("scanning transcript: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
