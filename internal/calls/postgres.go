package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the call log in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_records (
			id TEXT PRIMARY KEY,
			call_sid TEXT NOT NULL UNIQUE,
			direction TEXT NOT NULL DEFAULT '',
			from_number TEXT NOT NULL DEFAULT '',
			to_number TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			stream_sid TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_records_created ON call_records (created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveCall(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_records (id, call_sid, direction, from_number, to_number, status, stream_sid, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (call_sid) DO UPDATE SET
			direction = COALESCE(NULLIF(EXCLUDED.direction, ''), call_records.direction),
			from_number = COALESCE(NULLIF(EXCLUDED.from_number, ''), call_records.from_number),
			to_number = COALESCE(NULLIF(EXCLUDED.to_number, ''), call_records.to_number),
			status = COALESCE(NULLIF(EXCLUDED.status, ''), call_records.status),
			stream_sid = COALESCE(NULLIF(EXCLUDED.stream_sid, ''), call_records.stream_sid),
			updated_at = EXCLUDED.updated_at`,
		record.ID,
		record.CallSID,
		string(record.Direction),
		record.From,
		record.To,
		record.Status,
		record.StreamSID,
		record.CreatedAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("save call: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, callSID, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE call_records SET status = $2, updated_at = $3 WHERE call_sid = $1`,
		callSID, status, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update call status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AttachStream(ctx context.Context, callSID, streamSID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE call_records SET stream_sid = $2, updated_at = $3 WHERE call_sid = $1`,
		callSID, streamSID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("attach stream: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const selectColumns = `id, call_sid, direction, from_number, to_number, status, stream_sid, created_at, updated_at`

func (s *PostgresStore) GetCall(ctx context.Context, callSID string) (Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM call_records WHERE call_sid = $1`, callSID)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get call: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) RecentCalls(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM call_records ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r         Record
		direction string
	)
	err := row.Scan(&r.ID, &r.CallSID, &direction, &r.From, &r.To, &r.Status, &r.StreamSID, &r.CreatedAt, &r.UpdatedAt)
	r.Direction = Direction(direction)
	return r, err
}
