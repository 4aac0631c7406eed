// Package runner wires a complete content pipeline from a configuration:
// chunk ingest, the stage consumers, status events and the HTTP API.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/tendant/chunked-content-pipeline/internal/bus"
	"github.com/tendant/chunked-content-pipeline/internal/config"
	"github.com/tendant/chunked-content-pipeline/internal/content"
	"github.com/tendant/chunked-content-pipeline/internal/dbosruntime"
	"github.com/tendant/chunked-content-pipeline/internal/events"
	"github.com/tendant/chunked-content-pipeline/internal/handlers"
	"github.com/tendant/chunked-content-pipeline/internal/ingest"
	"github.com/tendant/chunked-content-pipeline/internal/metrics"
	"github.com/tendant/chunked-content-pipeline/internal/processing"
	"github.com/tendant/chunked-content-pipeline/internal/retry"
	"github.com/tendant/chunked-content-pipeline/internal/storage"
	"github.com/tendant/chunked-content-pipeline/internal/validation"
	"github.com/tendant/chunked-content-pipeline/internal/workflows"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// Config is the pipeline configuration. See DefaultConfig and LoadConfig.
type Config = config.Config

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads an optional YAML file and environment overrides
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Options customise a runner beyond Config
type Options struct {
	// Notifier is told about every finished upload. Outcomes are only
	// logged when nil.
	Notifier workflows.Notifier

	// Sinks observe every status event in emission order
	Sinks []events.Sink

	// Archive replaces the configured archive
	Archive storage.Archive

	// Store replaces the configured blob store
	Store storage.Store

	// Registry collects metrics. A fresh registry is created when nil.
	Registry *prometheus.Registry

	// PublishOnly starts no consumers. Maintenance commands use it to
	// change content on a shared database without taking deliveries.
	PublishOnly bool
}

// Runner is a wired pipeline
type Runner struct {
	cfg     Config
	log     zerolog.Logger
	runtime *dbosruntime.Runtime

	registry *prometheus.Registry
	bus      bus.Bus
	store    storage.Store
	repo     content.Repository
	machine  *content.Machine
	journal  *content.Postgres
	emitter  *events.Emitter
	tail     *events.Tail
	fanout   *events.Fanout
	history  *events.History
	ingest   *ingest.Service
	sweeper  *ingest.Sweeper
	stages   *workflows.Runner
	dead     *workflows.DeadLetters
	results  *workflows.ValidationResults
	api      *handlers.API

	cleanup     []func()
	publishOnly bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ErrSharedTrackerRequired is returned by New for the memory tracker.
// Workers of one fleet must see the same chunk sets.
var ErrSharedTrackerRequired = errors.New("DBOS workers need a shared tracker: postgres or dynamodb")

// New wires a pipeline on DBOS. Deliveries are durable workflows and the
// content repository lives in the same Postgres database.
func New(ctx context.Context, cfg Config, log zerolog.Logger, opts Options) (*Runner, error) {
	if cfg.Tracker.Backend == "memory" {
		return nil, ErrSharedTrackerRequired
	}
	rt, err := dbosruntime.NewRuntime(ctx, dbosruntime.Config{
		DatabaseURL:        cfg.DatabaseURL,
		AppName:            cfg.AppName,
		QueueName:          cfg.QueueName,
		Concurrency:        cfg.Concurrency,
		ApplicationVersion: cfg.ApplicationVersion,
		PublishOnly:        opts.PublishOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DBOS: %w", err)
	}

	r := &Runner{cfg: cfg, log: log, runtime: rt, publishOnly: opts.PublishOnly}
	r.bus = bus.NewDBOS(rt, bus.DefaultTopology(), log)

	repo, err := content.NewPostgres(ctx, rt.DB())
	if err != nil {
		r.Shutdown(time.Second)
		return nil, err
	}
	r.repo = repo
	r.journal = repo

	if err := r.wire(ctx, opts); err != nil {
		r.Shutdown(time.Second)
		return nil, err
	}
	return r, nil
}

// NewStandalone wires a pipeline that runs entirely in process: memory
// bus, memory repository and the configured blob store. State does not
// survive a restart.
func NewStandalone(ctx context.Context, cfg Config, log zerolog.Logger, opts Options) (*Runner, error) {
	if cfg.Tracker.Backend == "postgres" {
		cfg.Tracker.Backend = "memory"
	}
	r := &Runner{cfg: cfg, log: log}
	r.bus = bus.NewMemory(bus.DefaultTopology(), log)
	r.repo = content.NewMemory()

	if err := r.wire(ctx, opts); err != nil {
		r.Shutdown(time.Second)
		return nil, err
	}
	return r, nil
}

func (r *Runner) wire(ctx context.Context, opts Options) error {
	cfg := &r.cfg

	r.registry = opts.Registry
	if r.registry == nil {
		r.registry = prometheus.NewRegistry()
		r.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := metrics.New(r.registry)

	r.store = opts.Store
	if r.store == nil {
		store, err := newStore(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		r.store = store
	}

	chunks, err := newTracker(ctx, cfg, r.runtime)
	if err != nil {
		return err
	}

	archive := opts.Archive
	if archive == nil {
		a, cleanup, err := newArchive(cfg.Archive, filepath.Join(cfg.Storage.Dir, "archive"), r.log)
		if err != nil {
			return err
		}
		archive = a
		r.cleanup = append(r.cleanup, cleanup)
	}

	// The Postgres repository journals status events in the transition's
	// own transaction; every worker tails that journal. Standalone runners
	// emit through the in-process bus instead.
	var publisher content.Publisher
	if r.journal == nil {
		r.emitter = events.NewEmitter(r.bus, r.log)
		publisher = r.emitter
	}
	r.machine = content.NewMachine(r.repo, publisher, m, r.log)

	r.history = events.NewHistory(0)
	sinks := append([]events.Sink{events.LogSink{Log: r.log.With().Str("component", "status").Logger()}, r.history}, opts.Sinks...)
	r.fanout = events.NewFanout(r.log, sinks...)

	if r.journal != nil && !r.publishOnly {
		name := ""
		if cfg.Events.Consumer != "" {
			name = cfg.AppName + "/" + cfg.Events.Consumer
		}
		r.tail = events.NewTail(events.TailConfig{
			Journal:  r.journal,
			Cursors:  r.journal,
			Name:     name,
			Interval: cfg.Events.PollInterval,
			Log:      r.log,
		}, r.fanout)
	}

	r.ingest = ingest.NewService(ingest.Config{
		Store:         r.store,
		Tracker:       chunks,
		Machine:       r.machine,
		Bus:           r.bus,
		Metrics:       m,
		Log:           r.log,
		MaxChunkBytes: cfg.Ingest.MaxChunkBytes,
	})
	r.sweeper = ingest.NewSweeper(r.store, chunks, r.machine, cfg.Ingest.AssemblyTimeout, m, r.log)

	policy := retry.Policy{
		MaxRedeliveries: cfg.Ingest.MaxRedeliveries,
		OnExhausted:     workflows.FailOnExhausted(r.machine, r.log),
		Metrics:         m,
		Log:             r.log,
	}
	deps := workflows.Deps{Machine: r.machine, Bus: r.bus, Store: r.store, Log: r.log}
	valCfg := validation.FromConfig(cfg.Validation)

	r.stages = workflows.NewRunner(r.bus, policy, cfg.Concurrency, r.log)
	r.stages.Register(workflows.FuncStage{StageName: "upload", QueueName: bus.UploadQueue, Fn: r.ingest.HandleUpload})
	r.stages.Register(workflows.NewValidateStage(deps, validation.DefaultTable(valCfg, r.log), valCfg.MaxFileSize))
	r.stages.Register(workflows.NewProcessStage(deps, processing.DefaultTable(r.store, r.log)))
	r.stages.Register(workflows.NewStoreStage(deps, archive))
	r.stages.Register(workflows.NewNotifyStage(r.machine, opts.Notifier, r.log))

	var records workflows.RecordStore = workflows.NewMemoryRecords(0, 0)
	if r.runtime != nil {
		pg, err := workflows.NewPostgresRecords(ctx, r.runtime.DB())
		if err != nil {
			return err
		}
		records = pg
	}
	r.dead = workflows.NewDeadLetters(records, m, r.log)
	r.results = workflows.NewValidationResults(records, r.log)

	r.api = handlers.New(handlers.Config{
		Ingest:        r.ingest,
		DeadLetters:   r.dead,
		Validation:    r.results,
		History:       r.history,
		Store:         r.store,
		Gatherer:      r.registry,
		Stats:         r.stats,
		MaxChunkBytes: cfg.Ingest.MaxChunkBytes,
		Log:           r.log,
	})
	return nil
}

// Start subscribes every consumer, launches the runtime and starts the
// sweeper and the status event feed. It returns once consumption has begun.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("runner already started")
	}

	if r.publishOnly {
		if err := r.runtime.Launch(); err != nil {
			return fmt.Errorf("failed to launch DBOS: %w", err)
		}
		r.background(ctx)
		r.started = true
		return nil
	}

	if err := r.stages.Start(); err != nil {
		return err
	}
	if err := r.bus.Subscribe(bus.DeadLetterQueue, 1, r.dead.Handler()); err != nil {
		return err
	}
	if err := r.bus.Subscribe(bus.ValidationResultQueue, 1, r.results.Handler()); err != nil {
		return err
	}
	if r.tail != nil {
		if err := r.tail.Seek(ctx); err != nil {
			return fmt.Errorf("failed to position status tail: %w", err)
		}
	} else {
		// one worker keeps status events in emission order on the memory bus
		if err := r.bus.Subscribe(bus.StatusUpdateQueue, 1, r.fanout.Handler()); err != nil {
			return err
		}
	}

	if r.runtime != nil {
		if err := r.runtime.Launch(); err != nil {
			return fmt.Errorf("failed to launch DBOS: %w", err)
		}
		r.log.Info().
			Str("queue", r.runtime.QueueName()).
			Int("concurrency", r.runtime.Concurrency()).
			Msg("DBOS runtime launched")
	}

	ctx = r.background(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sweeper.Run(ctx, r.cfg.Ingest.SweepInterval)
	}()
	if r.tail != nil {
		r.wg.Add(2)
		go func() {
			defer r.wg.Done()
			r.tail.Run(ctx)
		}()
		go func() {
			defer r.wg.Done()
			r.pruneJournal(ctx)
		}()
	}

	r.started = true
	return nil
}

// background drains the status outbox, when there is one, until Shutdown.
// The returned context is cancelled by Shutdown.
func (r *Runner) background(ctx context.Context) context.Context {
	ctx, r.cancel = context.WithCancel(ctx)
	if r.emitter != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.emitter.Run(ctx)
		}()
	}
	return ctx
}

// pruneJournal drops status journal entries older than the retention
func (r *Runner) pruneJournal(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := r.journal.PruneEvents(ctx, time.Now().Add(-r.cfg.Events.Retention))
		if err != nil {
			r.log.Warn().Err(err).Msg("status journal prune failed")
			continue
		}
		if n > 0 {
			r.log.Debug().Int64("deleted", n).Msg("pruned status journal")
		}
	}
}

// Handler returns the HTTP API
func (r *Runner) Handler() http.Handler {
	return r.api.Router()
}

// Ingest returns the chunk ingest service
func (r *Runner) Ingest() *ingest.Service {
	return r.ingest
}

// Client returns a publisher on this runner's bus. Chunks sent through it
// are recorded by the upload consumer instead of synchronously.
func (r *Runner) Client() *Client {
	return newClientOn(r.bus, r.log)
}

// ErrAssemblyFailed is returned by SubmitChunk, together with the FAILED
// result, when the chunk completed its upload but assembly failed
var ErrAssemblyFailed = ingest.ErrAssemblyFailed

// SubmitChunk records one chunk of an upload
func (r *Runner) SubmitChunk(ctx context.Context, req pipeline.SubmitChunkRequest) (*pipeline.SubmissionResult, error) {
	return r.ingest.SubmitChunk(ctx, req)
}

// GetStatus returns the current state of an upload
func (r *Runner) GetStatus(ctx context.Context, contentID string) (*pipeline.ContentItem, error) {
	return r.ingest.GetStatus(ctx, contentID)
}

// Cancel stops an upload
func (r *Runner) Cancel(ctx context.Context, contentID, reason string) (*pipeline.ContentItem, error) {
	return r.ingest.Cancel(ctx, contentID, reason)
}

// Sweep runs one expiry pass over stale uploads
func (r *Runner) Sweep(ctx context.Context) (int, error) {
	return r.sweeper.Sweep(ctx)
}

// WaitIdle blocks until the in-process bus has drained. It is a no-op on
// DBOS, where deliveries are spread over every worker.
func (r *Runner) WaitIdle(ctx context.Context) error {
	if mem, ok := r.bus.(*bus.Memory); ok {
		return mem.WaitIdle(ctx)
	}
	return nil
}

// stats feeds the health endpoint
func (r *Runner) stats(ctx context.Context) (map[string]any, error) {
	var active []pipeline.Status
	for _, s := range pipeline.AllStatuses {
		if !s.IsTerminal() {
			active = append(active, s)
		}
	}
	counts, err := r.repo.CountByStatus(ctx, active)
	if err != nil {
		return nil, fmt.Errorf("failed to count content: %w", err)
	}
	byStatus := make(map[string]int, len(counts))
	for s, n := range counts {
		byStatus[string(s)] = n
	}

	dead, err := r.dead.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"content":         byStatus,
		"dead_letters":    len(dead),
		"standalone_mode": r.runtime == nil,
	}
	switch {
	case r.emitter != nil:
		out["pending_events"] = r.emitter.Pending()
	case r.tail != nil:
		lag, err := r.tail.Lag(ctx)
		if err != nil {
			return nil, err
		}
		out["pending_events"] = lag
	}
	if r.runtime != nil {
		pending, err := r.runtime.PendingDeliveries(ctx)
		if err != nil {
			return nil, err
		}
		out["pending_deliveries"] = pending
	}
	return out, nil
}

// Shutdown stops background work and releases the runtime
func (r *Runner) Shutdown(timeout time.Duration) {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	if r.emitter != nil {
		ctx, done := context.WithTimeout(context.Background(), timeout)
		if err := r.emitter.Flush(ctx); err != nil {
			r.log.Warn().Err(err).Int("pending", r.emitter.Pending()).Msg("status events left in outbox")
		}
		done()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.fanout != nil {
		r.fanout.Close()
	}
	if r.runtime != nil {
		if err := r.runtime.Shutdown(timeout); err != nil {
			r.log.Warn().Err(err).Msg("DBOS shutdown failed")
		}
	}
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		r.cleanup[i]()
	}
}
