package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Postgres is a Tracker shared by every worker connected to the same
// database. Receipts are keyed rows so re-inserting an index is a no-op;
// the claim is a conditional UPDATE on the chunk_sets row.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates the tracker and ensures its tables exist
func NewPostgres(ctx context.Context, db *sql.DB) (*Postgres, error) {
	t := &Postgres{db: db}

	if err := t.ensureTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure tracker tables: %w", err)
	}

	return t, nil
}

func (t *Postgres) ensureTables(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS chunk_sets (
			content_id TEXT PRIMARY KEY,
			total_chunks INTEGER NOT NULL,
			received_count INTEGER NOT NULL DEFAULT 0,
			claimed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS chunk_receipts (
			content_id TEXT NOT NULL REFERENCES chunk_sets (content_id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (content_id, chunk_index)
		);
		CREATE INDEX IF NOT EXISTS chunk_sets_updated_at_idx ON chunk_sets (updated_at);
	`

	if _, err := t.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create tracker tables: %w", err)
	}
	return nil
}

func (t *Postgres) Contains(ctx context.Context, contentID string, index int) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM chunk_receipts WHERE content_id = $1 AND chunk_index = $2)`

	var ok bool
	if err := t.db.QueryRowContext(ctx, query, contentID, index).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check receipt: %w", err)
	}
	return ok, nil
}

// Add runs in one transaction. The upsert locks the chunk_sets row, so
// concurrent adds for the same content id serialize on it.
func (t *Postgres) Add(ctx context.Context, contentID string, index, total int) (AddResult, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return AddResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO chunk_sets (content_id, total_chunks, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (content_id) DO UPDATE
		SET content_id = EXCLUDED.content_id
		RETURNING total_chunks, received_count
	`
	var recorded, count int
	if err := tx.QueryRowContext(ctx, upsert, contentID, total).Scan(&recorded, &count); err != nil {
		return AddResult{}, fmt.Errorf("failed to upsert chunk set: %w", err)
	}
	if recorded != total {
		return AddResult{}, fmt.Errorf("%w: have %d, got %d", ErrTotalMismatch, recorded, total)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO chunk_receipts (content_id, chunk_index) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		contentID, index)
	if err != nil {
		return AddResult{}, fmt.Errorf("failed to record receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AddResult{}, err
	}

	if n == 1 {
		bump := `
			UPDATE chunk_sets
			SET received_count = received_count + 1, updated_at = NOW()
			WHERE content_id = $1
			RETURNING received_count
		`
		if err := tx.QueryRowContext(ctx, bump, contentID).Scan(&count); err != nil {
			return AddResult{}, fmt.Errorf("failed to update chunk set: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return AddResult{}, fmt.Errorf("failed to commit receipt: %w", err)
	}
	return AddResult{Added: n == 1, Received: count, Total: recorded}, nil
}

func (t *Postgres) Claim(ctx context.Context, contentID string) (bool, error) {
	query := `
		UPDATE chunk_sets
		SET claimed = TRUE, updated_at = NOW()
		WHERE content_id = $1 AND NOT claimed AND received_count = total_chunks
	`
	return t.execClaim(ctx, query, contentID)
}

func (t *Postgres) ClaimStale(ctx context.Context, contentID string, before time.Time) (bool, error) {
	query := `
		UPDATE chunk_sets
		SET claimed = TRUE, updated_at = NOW()
		WHERE content_id = $1 AND updated_at < $2
	`
	return t.execClaim(ctx, query, contentID, before)
}

func (t *Postgres) Release(ctx context.Context, contentID string) error {
	query := `
		UPDATE chunk_sets
		SET claimed = FALSE, updated_at = NOW()
		WHERE content_id = $1
	`
	if _, err := t.db.ExecContext(ctx, query, contentID); err != nil {
		return fmt.Errorf("failed to release chunk set: %w", err)
	}
	return nil
}

func (t *Postgres) execClaim(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to claim chunk set: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *Postgres) Get(ctx context.Context, contentID string) (*State, error) {
	query := `
		SELECT content_id, total_chunks, claimed, created_at, updated_at
		FROM chunk_sets WHERE content_id = $1
	`
	var s State
	err := t.db.QueryRowContext(ctx, query, contentID).Scan(&s.ContentID, &s.TotalChunks, &s.Claimed, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk set: %w", err)
	}

	states := []State{s}
	if err := t.loadReceipts(ctx, states); err != nil {
		return nil, err
	}
	return &states[0], nil
}

func (t *Postgres) Stale(ctx context.Context, before time.Time) ([]State, error) {
	query := `
		SELECT content_id, total_chunks, claimed, created_at, updated_at
		FROM chunk_sets WHERE updated_at < $1
		ORDER BY updated_at
	`
	rows, err := t.db.QueryContext(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale chunk sets: %w", err)
	}
	defer rows.Close()

	var states []State
	for rows.Next() {
		var s State
		if err := rows.Scan(&s.ContentID, &s.TotalChunks, &s.Claimed, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk set: %w", err)
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := t.loadReceipts(ctx, states); err != nil {
		return nil, err
	}
	return states, nil
}

// loadReceipts fills Received for every state in one query
func (t *Postgres) loadReceipts(ctx context.Context, states []State) error {
	if len(states) == 0 {
		return nil
	}
	ids := make([]string, len(states))
	pos := make(map[string]int, len(states))
	for i, s := range states {
		ids[i] = s.ContentID
		pos[s.ContentID] = i
	}

	query := `
		SELECT content_id, chunk_index FROM chunk_receipts
		WHERE content_id = ANY($1)
		ORDER BY content_id, chunk_index
	`
	rows, err := t.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to load receipts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var idx int
		if err := rows.Scan(&id, &idx); err != nil {
			return fmt.Errorf("failed to scan receipt: %w", err)
		}
		i := pos[id]
		states[i].Received = append(states[i].Received, idx)
	}
	return rows.Err()
}

func (t *Postgres) Clear(ctx context.Context, contentID string) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM chunk_sets WHERE content_id = $1`, contentID); err != nil {
		return fmt.Errorf("failed to clear chunk set: %w", err)
	}
	return nil
}
