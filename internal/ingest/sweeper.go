package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tendant/chunked-content-pipeline/internal/content"
	"github.com/tendant/chunked-content-pipeline/internal/metrics"
	"github.com/tendant/chunked-content-pipeline/internal/storage"
	"github.com/tendant/chunked-content-pipeline/internal/tracker"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// DefaultAssemblyTimeout is how long an upload may go without a new chunk
const DefaultAssemblyTimeout = 5 * time.Minute

// TimeoutReason is the failure message of an expired upload
const TimeoutReason = "assembly timeout"

// Sweeper fails uploads whose chunk set stopped growing
type Sweeper struct {
	store   storage.Store
	tracker tracker.Tracker
	machine *content.Machine
	timeout time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

// NewSweeper creates a sweeper with the given timeout
func NewSweeper(store storage.Store, t tracker.Tracker, machine *content.Machine, timeout time.Duration, m *metrics.Metrics, log zerolog.Logger) *Sweeper {
	if timeout <= 0 {
		timeout = DefaultAssemblyTimeout
	}
	return &Sweeper{
		store:   store,
		tracker: t,
		machine: machine,
		timeout: timeout,
		metrics: m,
		log:     log.With().Str("component", "sweeper").Logger(),
		now:     time.Now,
	}
}

// Sweep expires every stale chunk set once and returns how many it took.
// A set is only processed after ClaimStale succeeds, so concurrent sweepers
// split the work.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.timeout)
	stale, err := s.tracker.Stale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, st := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := s.tracker.ClaimStale(ctx, st.ContentID, cutoff)
		if err != nil {
			s.log.Warn().Err(err).Str("content_id", st.ContentID).Msg("failed to claim stale chunk set")
			continue
		}
		if !ok {
			continue
		}
		s.expire(ctx, st)
		expired++
	}
	return expired, nil
}

func (s *Sweeper) expire(ctx context.Context, st tracker.State) {
	log := s.log.With().Str("content_id", st.ContentID).Logger()

	for _, idx := range st.Received {
		if err := s.store.Delete(ctx, ChunkKey(st.ContentID, idx)); err != nil {
			log.Warn().Err(err).Int("chunk_index", idx).Msg("failed to delete chunk")
		}
	}
	if err := s.tracker.Clear(ctx, st.ContentID); err != nil {
		log.Warn().Err(err).Msg("failed to clear chunk set")
	}

	_, err := s.machine.Fail(ctx, st.ContentID, TimeoutReason)
	switch {
	case err == nil:
		s.metrics.Expired()
		log.Info().Int("received", len(st.Received)).Int("total", st.TotalChunks).Bool("claimed", st.Claimed).
			Msg("upload expired")
	case errors.Is(err, pipeline.ErrIllegalTransition), errors.Is(err, content.ErrNotFound):
		// leftovers of an upload that already finished
		log.Debug().Err(err).Msg("removed leftover chunk set")
	default:
		log.Error().Err(err).Msg("failed to fail expired upload")
	}
}

// Run sweeps every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error().Err(err).Msg("sweep failed")
			}
			if n > 0 {
				s.log.Info().Int("expired", n).Msg("sweep complete")
			}
		}
	}
}
