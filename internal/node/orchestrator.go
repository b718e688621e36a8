// Package node runs the top-level wake cycle: sample, encode, transmit,
// sleep. Everything is strictly sequential; there is exactly one cycle
// in flight at any time.
package node

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/terrasense/terrasense-node/internal/power"
	"github.com/terrasense/terrasense-node/internal/radio"
	"github.com/terrasense/terrasense-node/internal/sensors"
	"github.com/terrasense/terrasense-node/internal/telemetry"
)

// Sampler produces sensor readings for one cycle.
type Sampler interface {
	SampleAll(ctx context.Context) []sensors.Result
}

// Link is the radio side of a cycle.
type Link interface {
	EnsureJoined(ctx context.Context) error
	Send(ctx context.Context, payload []byte) error
	Reset(ctx context.Context) error
	State() radio.State
}

// Scheduler decides and executes the wait between cycles.
type Scheduler interface {
	NextWakeDelay(outcome power.Outcome) time.Duration
	Sleep(ctx context.Context, d time.Duration) error
}

// Orchestrator drives the node through its wake cycles.
type Orchestrator struct {
	sampler   Sampler
	encoder   *telemetry.Encoder
	link      Link
	scheduler Scheduler

	// CycleTimeout bounds one full cycle; overrun abandons it.
	CycleTimeout time.Duration
}

// New returns an Orchestrator over the given stages.
func New(sampler Sampler, encoder *telemetry.Encoder, link Link, scheduler Scheduler, cycleTimeout time.Duration) *Orchestrator {
	if cycleTimeout <= 0 {
		cycleTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		sampler:      sampler,
		encoder:      encoder,
		link:         link,
		scheduler:    scheduler,
		CycleTimeout: cycleTimeout,
	}
}

// Run executes cycles until ctx is cancelled. A faulted radio is reset
// at the start of the next wake rather than inside the failing cycle.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		if o.link.State() == radio.StateFaulted {
			if err := o.link.Reset(ctx); err != nil {
				log.Error().Err(err).Msg("modem reset failed")
			}
		}

		outcome := o.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := o.scheduler.NextWakeDelay(outcome)
		if err := o.scheduler.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// RunOnce executes a single wake cycle and classifies its outcome.
func (o *Orchestrator) RunOnce(ctx context.Context) power.Outcome {
	cycleID := uuid.New().String()
	logger := log.With().Str("cycle_id", cycleID).Logger()
	started := time.Now()

	ctx, cancel := context.WithTimeout(ctx, o.CycleTimeout)
	defer cancel()

	logger.Debug().Msg("cycle start")

	readings := sensors.Valid(o.sampler.SampleAll(ctx))
	if ctx.Err() != nil {
		logger.Warn().Msg("cycle abandoned during sampling")
		return power.OutcomeAborted
	}
	if len(readings) == 0 {
		logger.Warn().Msg("no valid readings, skipping transmit")
		return power.OutcomeNoReadings
	}

	payload, err := o.encoder.Encode(readings)
	if errors.Is(err, telemetry.ErrOverflow) {
		var dropped []sensors.Kind
		payload, dropped, err = o.encoder.EncodeWithDrop(readings)
		if err == nil {
			names := make([]string, len(dropped))
			for i, k := range dropped {
				names[i] = k.String()
			}
			logger.Warn().Strs("dropped", names).Msg("payload over budget, channels shed")
		}
	}
	if err != nil {
		logger.Error().Err(err).Msg("payload encoding failed")
		return power.OutcomeAborted
	}

	if err := o.link.EnsureJoined(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Warn().Msg("cycle abandoned during join")
			return power.OutcomeAborted
		}
		logger.Warn().Err(err).Msg("join failed, skipping transmit")
		return power.OutcomeJoinFailed
	}

	err = o.link.Send(ctx, payload.Bytes)
	switch {
	case err == nil:
		logger.Info().
			Int("payload_len", len(payload.Bytes)).
			Int("entries", payload.Entries).
			Dur("cycle_time", time.Since(started)).
			Msg("cycle complete")
		return power.OutcomeSuccess
	case errors.Is(err, radio.ErrAckTimeout):
		logger.Warn().Msg("uplink unacknowledged")
		return power.OutcomeAckTimeout
	case errors.Is(err, radio.ErrCounterPersist):
		logger.Error().Err(err).Msg("counter not durable, cycle aborted")
		return power.OutcomeAborted
	case ctx.Err() != nil:
		logger.Warn().Msg("cycle abandoned during transmit")
		return power.OutcomeAborted
	default:
		logger.Error().Err(err).Msg("transmit failed")
		return power.OutcomeTxFailed
	}
}
