// Package retry decides the fate of a failed stage delivery: requeue it,
// or route it to the dead-letter exchange once retrying cannot help.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tendant/chunked-content-pipeline/internal/bus"
	"github.com/tendant/chunked-content-pipeline/internal/metrics"
)

// DefaultMaxRedeliveries is used when Policy.MaxRedeliveries is zero
const DefaultMaxRedeliveries = 3

// ErrPermanent marks failures that retrying cannot fix, such as missing
// upstream data or an undecodable message.
var ErrPermanent = errors.New("permanent failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Is(target error) bool {
	return target == ErrPermanent
}

// Permanent wraps err so the policy dead-letters it without retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// ExhaustedFunc is called once for a delivery that will be dead-lettered
type ExhaustedFunc func(ctx context.Context, d *bus.Delivery, cause error)

// Policy is the retry/dead-letter policy shared by every stage
type Policy struct {
	MaxRedeliveries int
	OnExhausted     ExhaustedFunc
	Metrics         *metrics.Metrics
	Log             zerolog.Logger
}

func (p Policy) max() int {
	if p.MaxRedeliveries <= 0 {
		return DefaultMaxRedeliveries
	}
	return p.MaxRedeliveries
}

// Handler adapts a stage function to a bus handler
func (p Policy) Handler(stage string, fn func(ctx context.Context, d *bus.Delivery) error) bus.Handler {
	return func(ctx context.Context, d *bus.Delivery) bus.Disposition {
		start := time.Now()
		disp := p.decide(ctx, stage, d, fn(ctx, d))
		p.Metrics.ObserveStage(stage, start)
		p.Metrics.Delivered(d.Queue, disp.String())
		return disp
	}
}

func (p Policy) decide(ctx context.Context, stage string, d *bus.Delivery, err error) bus.Disposition {
	if err == nil {
		return bus.Ack
	}

	log := p.Log.With().
		Str("stage", stage).
		Str("queue", d.Queue).
		Str("message_id", d.ID).
		Str("content_id", d.Header(bus.HeaderContentID)).
		Int("redelivered", d.Redelivered).
		Err(err).
		Logger()

	if !IsPermanent(err) && d.Redelivered < p.max() {
		log.Warn().Msg("stage failed, requeueing")
		return bus.Requeue
	}

	if IsPermanent(err) {
		log.Error().Msg("permanent failure, dead-lettering")
	} else {
		log.Error().Int("max_redeliveries", p.max()).Msg("retries exhausted, dead-lettering")
	}
	d.SetHeader(bus.HeaderException, err.Error())
	if p.OnExhausted != nil {
		p.OnExhausted(ctx, d, err)
	}
	return bus.DeadLetter
}
