package events

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

const (
	// DefaultPollInterval is how often a Tail looks for new journal entries
	DefaultPollInterval = 250 * time.Millisecond

	// DefaultBatch is the most entries a Tail reads per query
	DefaultBatch = 500
)

// Journal is a durable log of status events ordered by Seq. An entry with
// a given Seq is only visible once every lower Seq is.
type Journal interface {
	// EventsSince returns up to limit events with Seq above after, oldest first
	EventsSince(ctx context.Context, after int64, limit int) ([]pipeline.StatusEvent, error)

	// LastSeq returns the newest Seq, zero for an empty journal
	LastSeq(ctx context.Context) (int64, error)
}

// Cursors stores how far named readers got
type Cursors interface {
	LoadCursor(ctx context.Context, name string) (int64, bool, error)
	SaveCursor(ctx context.Context, name string, seq int64) error
}

// Dispatcher receives journal events in Seq order
type Dispatcher interface {
	Dispatch(ev pipeline.StatusEvent)
}

// TailConfig configures a Tail
type TailConfig struct {
	Journal Journal

	// Cursors and Name make the position survive a restart. Without a saved
	// cursor the tail starts at the journal head, or at the beginning when
	// FromStart is set.
	Cursors   Cursors
	Name      string
	FromStart bool

	Interval time.Duration
	Batch    int
	Log      zerolog.Logger
}

// Tail follows a Journal and hands every entry to a Dispatcher. Each
// process runs its own tail, so local sinks see every event no matter
// which process made the transition.
type Tail struct {
	cfg  TailConfig
	out  Dispatcher
	log  zerolog.Logger
	seq  atomic.Int64
	init bool
}

// NewTail creates a tail delivering to out
func NewTail(cfg TailConfig, out Dispatcher) *Tail {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	return &Tail{
		cfg: cfg,
		out: out,
		log: cfg.Log.With().Str("component", "status-tail").Str("consumer", cfg.Name).Logger(),
	}
}

// Seek positions the tail: at the saved cursor when there is one,
// otherwise at the start or head of the journal.
func (t *Tail) Seek(ctx context.Context) error {
	if t.cfg.Cursors != nil && t.cfg.Name != "" {
		seq, ok, err := t.cfg.Cursors.LoadCursor(ctx, t.cfg.Name)
		if err != nil {
			return err
		}
		if ok {
			t.seq.Store(seq)
			t.init = true
			return nil
		}
	}
	if t.cfg.FromStart {
		t.seq.Store(0)
		t.init = true
		return nil
	}
	head, err := t.cfg.Journal.LastSeq(ctx)
	if err != nil {
		return err
	}
	t.seq.Store(head)
	t.init = true
	return nil
}

// Poll delivers everything written since the last call and returns how
// many events went out. The cursor is saved after each batch, so a crash
// redelivers at most one batch.
func (t *Tail) Poll(ctx context.Context) (int, error) {
	if !t.init {
		if err := t.Seek(ctx); err != nil {
			return 0, fmt.Errorf("failed to position status tail: %w", err)
		}
	}

	total := 0
	for {
		batch, err := t.cfg.Journal.EventsSince(ctx, t.seq.Load(), t.cfg.Batch)
		if err != nil {
			return total, err
		}
		for _, ev := range batch {
			t.out.Dispatch(ev)
			t.seq.Store(ev.Seq)
		}
		total += len(batch)
		if len(batch) > 0 && t.cfg.Cursors != nil && t.cfg.Name != "" {
			if err := t.cfg.Cursors.SaveCursor(ctx, t.cfg.Name, t.seq.Load()); err != nil {
				return total, err
			}
		}
		if len(batch) < t.cfg.Batch {
			return total, nil
		}
	}
}

// Seq returns the last delivered position
func (t *Tail) Seq() int64 {
	return t.seq.Load()
}

// Lag returns how many journal positions the tail is behind
func (t *Tail) Lag(ctx context.Context) (int64, error) {
	head, err := t.cfg.Journal.LastSeq(ctx)
	if err != nil {
		return 0, err
	}
	if lag := head - t.seq.Load(); lag > 0 {
		return lag, nil
	}
	return 0, nil
}

// Run polls until ctx is done. Poll errors are logged and retried on the
// next tick.
func (t *Tail) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := t.Poll(ctx); err != nil && ctx.Err() == nil {
			t.log.Warn().Err(err).Int64("seq", t.seq.Load()).Msg("status journal poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
