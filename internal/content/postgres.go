package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// journalLock is the advisory lock key serializing status_events inserts.
// Holding it until commit makes seq order equal commit order, so a reader
// that saw seq N has already seen every event below N.
const journalLock = 0x636f6e74656e74

// Postgres stores content items in the content_items table. Every created
// item and every status change also appends a row to status_events in the
// same transaction, which makes the table a durable, ordered outbox.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates the repository and ensures its tables exist
func NewPostgres(ctx context.Context, db *sql.DB) (*Postgres, error) {
	r := &Postgres{db: db}

	if err := r.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure content table: %w", err)
	}

	return r, nil
}

func (r *Postgres) ensureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS content_items (
			content_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			file_name TEXT NOT NULL,
			content_type TEXT NOT NULL,
			file_type TEXT NOT NULL,
			file_size BIGINT NOT NULL DEFAULT 0,
			total_chunks INTEGER NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			source_key TEXT NOT NULL DEFAULT '',
			processed_key TEXT NOT NULL DEFAULT '',
			destination_key TEXT NOT NULL DEFAULT '',
			access_url TEXT NOT NULL DEFAULT '',
			checksum TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS content_items_user_idx ON content_items (user_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS status_events (
			seq BIGSERIAL PRIMARY KEY,
			content_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			access_url TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS status_events_content_idx ON status_events (content_id, seq);

		CREATE TABLE IF NOT EXISTS status_event_cursors (
			name TEXT PRIMARY KEY,
			seq BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`

	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create content_items table: %w", err)
	}
	return nil
}

const contentColumns = `content_id, user_id, file_name, content_type, file_type, file_size,
	total_chunks, priority, status, error_message, source_key, processed_key,
	destination_key, access_url, checksum, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*pipeline.ContentItem, error) {
	var item pipeline.ContentItem
	err := row.Scan(
		&item.ContentID, &item.UserID, &item.FileName, &item.ContentType, &item.FileType, &item.FileSize,
		&item.TotalChunks, &item.Priority, &item.Status, &item.ErrorMessage, &item.SourceKey, &item.ProcessedKey,
		&item.DestinationKey, &item.AccessURL, &item.Checksum, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *Postgres) Create(ctx context.Context, item *pipeline.ContentItem) (*pipeline.ContentItem, bool, error) {
	query := `
		INSERT INTO content_items (` + contentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (content_id) DO NOTHING
	`
	created := false
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query,
			item.ContentID, item.UserID, item.FileName, item.ContentType, item.FileType, item.FileSize,
			item.TotalChunks, item.Priority, item.Status, item.ErrorMessage, item.SourceKey, item.ProcessedKey,
			item.DestinationKey, item.AccessURL, item.Checksum, item.CreatedAt, item.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert content: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		created = true
		return appendEvent(ctx, tx, item)
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		return item.Clone(), true, nil
	}

	existing, err := r.Get(ctx, item.ContentID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *Postgres) Get(ctx context.Context, contentID string) (*pipeline.ContentItem, error) {
	query := `SELECT ` + contentColumns + ` FROM content_items WHERE content_id = $1`

	item, err := scanItem(r.db.QueryRowContext(ctx, query, contentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get content: %w", err)
	}
	return item, nil
}

// CompareAndSwap locks the row, applies mutate and writes it back together
// with the journal entry. A status other than from returns ErrConflict.
func (r *Postgres) CompareAndSwap(ctx context.Context, contentID string, from pipeline.Status, mutate func(*pipeline.ContentItem)) (*pipeline.ContentItem, error) {
	var updated *pipeline.ContentItem
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT ` + contentColumns + ` FROM content_items WHERE content_id = $1 FOR UPDATE`
		item, err := scanItem(tx.QueryRowContext(ctx, query, contentID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get content: %w", err)
		}
		if item.Status != from {
			return ErrConflict
		}
		mutate(item)

		update := `
			UPDATE content_items
			SET status = $3, error_message = $4, source_key = $5, processed_key = $6,
				destination_key = $7, access_url = $8, checksum = $9, updated_at = $10
			WHERE content_id = $1 AND status = $2
		`
		res, err := tx.ExecContext(ctx, update,
			contentID, from, item.Status, item.ErrorMessage, item.SourceKey, item.ProcessedKey,
			item.DestinationKey, item.AccessURL, item.Checksum, item.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update content: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		if item.Status != from {
			if err := appendEvent(ctx, tx, item); err != nil {
				return err
			}
		}
		updated = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *Postgres) ListByUser(ctx context.Context, userID string) ([]*pipeline.ContentItem, error) {
	query := `SELECT ` + contentColumns + ` FROM content_items WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list content: %w", err)
	}
	defer rows.Close()

	var out []*pipeline.ContentItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan content: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *Postgres) CountByStatus(ctx context.Context, statuses []pipeline.Status) (map[pipeline.Status]int, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM content_items WHERE status = ANY($1) GROUP BY status`,
		pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("failed to count content: %w", err)
	}
	defer rows.Close()

	out := make(map[pipeline.Status]int, len(statuses))
	for rows.Next() {
		var s pipeline.Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

func (r *Postgres) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func appendEvent(ctx context.Context, tx *sql.Tx, item *pipeline.ContentItem) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, journalLock); err != nil {
		return fmt.Errorf("failed to lock status journal: %w", err)
	}
	ev := EventFor(item, item.UpdatedAt)
	query := `
		INSERT INTO status_events (content_id, user_id, status, message, error_message, access_url, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.ExecContext(ctx, query,
		ev.ContentID, ev.UserID, ev.Status, ev.Message, ev.ErrorMessage, ev.AccessURL, ev.Timestamp,
	); err != nil {
		return fmt.Errorf("failed to journal status event: %w", err)
	}
	return nil
}

// EventsSince returns up to limit journaled events with a sequence above
// after, oldest first
func (r *Postgres) EventsSince(ctx context.Context, after int64, limit int) ([]pipeline.StatusEvent, error) {
	query := `
		SELECT seq, content_id, user_id, status, message, error_message, access_url, occurred_at
		FROM status_events
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read status journal: %w", err)
	}
	defer rows.Close()

	var out []pipeline.StatusEvent
	for rows.Next() {
		var ev pipeline.StatusEvent
		if err := rows.Scan(&ev.Seq, &ev.ContentID, &ev.UserID, &ev.Status, &ev.Message,
			&ev.ErrorMessage, &ev.AccessURL, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan status event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastSeq returns the newest journal sequence, zero for an empty journal
func (r *Postgres) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM status_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read journal head: %w", err)
	}
	return seq, nil
}

// LoadCursor returns the saved position of a named reader
func (r *Postgres) LoadCursor(ctx context.Context, name string) (int64, bool, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx, `SELECT seq FROM status_event_cursors WHERE name = $1`, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load cursor %s: %w", name, err)
	}
	return seq, true, nil
}

// SaveCursor records the position of a named reader. It never moves a
// cursor backwards.
func (r *Postgres) SaveCursor(ctx context.Context, name string, seq int64) error {
	query := `
		INSERT INTO status_event_cursors (name, seq, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE
		SET seq = GREATEST(status_event_cursors.seq, EXCLUDED.seq), updated_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, name, seq); err != nil {
		return fmt.Errorf("failed to save cursor %s: %w", name, err)
	}
	return nil
}

// PruneEvents deletes journal entries recorded before cutoff
func (r *Postgres) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM status_events WHERE recorded_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune status journal: %w", err)
	}
	return res.RowsAffected()
}
