// Package workflows holds the pipeline stages that follow assembly. Each
// stage consumes one queue, moves the item through its working status and
// forwards it to the next stage once the outcome is recorded.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/rs/zerolog"

	"github.com/tendant/chunked-content-pipeline/internal/bus"
	"github.com/tendant/chunked-content-pipeline/internal/content"
	"github.com/tendant/chunked-content-pipeline/internal/retry"
	"github.com/tendant/chunked-content-pipeline/internal/storage"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// Stage consumes one queue
type Stage interface {
	// Name labels logs and metrics
	Name() string

	// Queue is the queue the stage consumes
	Queue() string

	// Handle processes one delivery. Errors are classified by retry.Policy.
	Handle(ctx context.Context, d *bus.Delivery) error
}

// Runner subscribes registered stages to the bus behind the retry policy
type Runner struct {
	bus         bus.Bus
	policy      retry.Policy
	concurrency int
	stages      []Stage
	log         zerolog.Logger
}

// NewRunner creates a runner. concurrency is the worker count per queue.
func NewRunner(b bus.Bus, policy retry.Policy, concurrency int, log zerolog.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Runner{
		bus:         b,
		policy:      policy,
		concurrency: concurrency,
		log:         log.With().Str("component", "runner").Logger(),
	}
}

// Register adds a stage. All stages must be registered before Start.
func (r *Runner) Register(s Stage) {
	r.stages = append(r.stages, s)
}

// Start subscribes every registered stage
func (r *Runner) Start() error {
	for _, s := range r.stages {
		if err := r.bus.Subscribe(s.Queue(), r.concurrency, r.policy.Handler(s.Name(), s.Handle)); err != nil {
			return fmt.Errorf("failed to subscribe %s to %s: %w", s.Name(), s.Queue(), err)
		}
		r.log.Info().Str("stage", s.Name()).Str("queue", s.Queue()).Int("workers", r.concurrency).Msg("stage started")
	}
	return nil
}

// Stages returns the registered stages
func (r *Runner) Stages() []Stage {
	return append([]Stage(nil), r.stages...)
}

// FuncStage adapts a handler function, such as the chunk upload consumer
type FuncStage struct {
	StageName string
	QueueName string
	Fn        func(ctx context.Context, d *bus.Delivery) error
}

func (s FuncStage) Name() string  { return s.StageName }
func (s FuncStage) Queue() string { return s.QueueName }

func (s FuncStage) Handle(ctx context.Context, d *bus.Delivery) error {
	return s.Fn(ctx, d)
}

// Deps are the collaborators shared by every stage
type Deps struct {
	Machine *content.Machine
	Bus     bus.Bus
	Store   storage.Store
	Log     zerolog.Logger
}

// step describes where a stage sits in the status graph
type step struct {
	from    pipeline.Status // status the stage picks up
	working pipeline.Status
	done    pipeline.Status // success status
	next    string          // routing key once done

	// resume lists further statuses from which the stage continues its work
	resume []pipeline.Status
}

// enter loads the item for d and moves it into the working status. It
// returns nil when there is nothing left to do: the item already finished
// this stage (it is re-forwarded), moved past it, or was stopped.
func (s *Deps) enter(ctx context.Context, d *bus.Delivery, st step) (*pipeline.ContentItem, error) {
	msg, err := content.DecodeStage(d.Body)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	item, err := s.Machine.Get(ctx, msg.ContentID)
	if errors.Is(err, content.ErrNotFound) {
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrUnknownContent, msg.ContentID))
	}
	if err != nil {
		return nil, err
	}

	log := s.Log.With().Str("content_id", item.ContentID).Str("status", string(item.Status)).Logger()

	switch item.Status {
	case st.from:
		item, err = s.Machine.Transition(ctx, item.ContentID, st.working)
		if errors.Is(err, pipeline.ErrIllegalTransition) {
			log.Info().Msg("content moved on before the stage started")
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return item, nil
	case st.working:
		log.Info().Msg("resuming interrupted stage")
		return item, nil
	case st.done:
		// the previous attempt stopped between the transition and the publish
		log.Info().Msg("stage already done, forwarding again")
		return nil, content.Forward(ctx, s.Bus, st.next, item)
	default:
		if slices.Contains(st.resume, item.Status) {
			log.Info().Msg("resuming interrupted stage")
			return item, nil
		}
		log.Debug().Msg("nothing to do")
		return nil, nil
	}
}

// finish records the stage outcome. An illegal transition means the item
// was cancelled or expired meanwhile; it is reported as not applied.
func (s *Deps) finish(ctx context.Context, item *pipeline.ContentItem, target pipeline.Status, opts ...content.Option) (*pipeline.ContentItem, bool, error) {
	next, err := s.Machine.Transition(ctx, item.ContentID, target, opts...)
	if errors.Is(err, pipeline.ErrIllegalTransition) {
		s.Log.Info().Str("content_id", item.ContentID).Str("target", string(target)).Err(err).
			Msg("content stopped during stage")
		return next, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return next, true, nil
}

// open returns the object at key, mapping a missing object to a permanent error
func (s *Deps) open(ctx context.Context, key string) (io.ReadCloser, error) {
	if key == "" {
		return nil, retry.Permanent(ErrMissingSource)
	}
	rc, err := s.Store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrMissingSource, key))
	}
	return rc, err
}
