package workflows

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/tendant/chunked-content-pipeline/internal/codec"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// RecordStore keeps dead letters and validation results where the HTTP API
// can read them back
type RecordStore interface {
	AddDeadLetter(ctx context.Context, rec DeadLetter) error

	// ListDeadLetters returns up to limit records, newest first
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	PutValidationResult(ctx context.Context, res *pipeline.ValidationResult) error
	GetValidationResult(ctx context.Context, contentID string) (*pipeline.ValidationResult, bool, error)
}

// MemoryRecords is a RecordStore local to one process. It keeps the newest
// deadLimit dead letters and resultLimit validation results.
type MemoryRecords struct {
	mu          sync.RWMutex
	dead        []DeadLetter
	deadLimit   int
	results     map[string]*pipeline.ValidationResult
	order       []string
	resultLimit int
}

// NewMemoryRecords creates an in-process store
func NewMemoryRecords(deadLimit, resultLimit int) *MemoryRecords {
	if deadLimit <= 0 {
		deadLimit = 100
	}
	if resultLimit <= 0 {
		resultLimit = 1024
	}
	return &MemoryRecords{
		deadLimit:   deadLimit,
		results:     make(map[string]*pipeline.ValidationResult),
		resultLimit: resultLimit,
	}
}

func (m *MemoryRecords) AddDeadLetter(ctx context.Context, rec DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = append(m.dead, rec)
	if len(m.dead) > m.deadLimit {
		m.dead = m.dead[len(m.dead)-m.deadLimit:]
	}
	return nil
}

func (m *MemoryRecords) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DeadLetter, 0, n)
	for i := len(m.dead) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.dead[i])
	}
	return out, nil
}

// PutValidationResult stores res, evicting the oldest content id beyond the limit
func (m *MemoryRecords) PutValidationResult(ctx context.Context, res *pipeline.ValidationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[res.ContentID]; !ok {
		m.order = append(m.order, res.ContentID)
	}
	m.results[res.ContentID] = res
	for len(m.order) > m.resultLimit {
		delete(m.results, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

func (m *MemoryRecords) GetValidationResult(ctx context.Context, contentID string) (*pipeline.ValidationResult, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.results[contentID]
	return res, ok, nil
}

// PostgresRecords is a RecordStore shared by every worker on the database.
// Validation results are stored CBOR-encoded, one row per content id.
type PostgresRecords struct {
	db *sql.DB
}

// NewPostgresRecords creates the store and ensures its tables exist
func NewPostgresRecords(ctx context.Context, db *sql.DB) (*PostgresRecords, error) {
	p := &PostgresRecords{db: db}

	if err := p.ensureTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure record tables: %w", err)
	}

	return p, nil
}

func (p *PostgresRecords) ensureTables(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS dead_letters (
			id BIGSERIAL PRIMARY KEY,
			message_id TEXT NOT NULL,
			content_id TEXT NOT NULL DEFAULT '',
			queue TEXT NOT NULL DEFAULT '',
			routing_key TEXT NOT NULL DEFAULT '',
			exception TEXT NOT NULL DEFAULT '',
			redeliveries INTEGER NOT NULL DEFAULT 0,
			recorded_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS validation_results (
			content_id TEXT PRIMARY KEY,
			result BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	_, err := p.db.ExecContext(ctx, query)
	return err
}

func (p *PostgresRecords) AddDeadLetter(ctx context.Context, rec DeadLetter) error {
	query := `
		INSERT INTO dead_letters (message_id, content_id, queue, routing_key, exception, redeliveries, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := p.db.ExecContext(ctx, query,
		rec.MessageID, rec.ContentID, rec.Queue, rec.RoutingKey, rec.Exception, rec.Redeliveries, rec.RecordedAt,
	); err != nil {
		return fmt.Errorf("failed to record dead letter %s: %w", rec.MessageID, err)
	}
	return nil
}

func (p *PostgresRecords) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT message_id, content_id, queue, routing_key, exception, redeliveries, recorded_at
		FROM dead_letters
		ORDER BY id DESC
		LIMIT $1
	`
	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var rec DeadLetter
		if err := rows.Scan(&rec.MessageID, &rec.ContentID, &rec.Queue, &rec.RoutingKey,
			&rec.Exception, &rec.Redeliveries, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresRecords) PutValidationResult(ctx context.Context, res *pipeline.ValidationResult) error {
	body, err := codec.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode validation result: %w", err)
	}
	query := `
		INSERT INTO validation_results (content_id, result, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (content_id) DO UPDATE SET result = EXCLUDED.result, updated_at = NOW()
	`
	if _, err := p.db.ExecContext(ctx, query, res.ContentID, body); err != nil {
		return fmt.Errorf("failed to store validation result for %s: %w", res.ContentID, err)
	}
	return nil
}

func (p *PostgresRecords) GetValidationResult(ctx context.Context, contentID string) (*pipeline.ValidationResult, bool, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT result FROM validation_results WHERE content_id = $1`, contentID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load validation result for %s: %w", contentID, err)
	}
	res, err := DecodeValidationResult(body)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}
