// Package power schedules wake cycles. The timer is the only wake
// source: there are no interrupt-driven wakeups, so the delay computed
// here fully determines when the node runs next.
package power

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/terrasense/terrasense-node/internal/backoff"
)

// Outcome classifies a finished wake cycle for scheduling purposes.
type Outcome int

const (
	// OutcomeSuccess: the uplink went out and was accepted.
	OutcomeSuccess Outcome = iota
	// OutcomeNoReadings: no sensor produced a valid reading, nothing
	// was transmitted.
	OutcomeNoReadings
	// OutcomeJoinFailed: the join budget ran out without an accept.
	OutcomeJoinFailed
	// OutcomeTxFailed: the uplink could not be transmitted.
	OutcomeTxFailed
	// OutcomeAckTimeout: the uplink went out but was not acknowledged.
	OutcomeAckTimeout
	// OutcomeAborted: the cycle was abandoned before completion.
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNoReadings:
		return "no_readings"
	case OutcomeJoinFailed:
		return "join_failed"
	case OutcomeTxFailed:
		return "tx_failed"
	case OutcomeAckTimeout:
		return "ack_timeout"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// radioFailure reports whether the outcome should push the next wake
// out on the backoff curve. Missing acks and empty sample sets are
// soft: the link or the sensors may recover by the next interval.
func (o Outcome) radioFailure() bool {
	switch o {
	case OutcomeJoinFailed, OutcomeTxFailed, OutcomeAborted:
		return true
	default:
		return false
	}
}

// Sleeper is the radio side of a power sleep; the modem is put into
// low-power mode for the duration of the wait.
type Sleeper interface {
	SleepRadio(ctx context.Context, d time.Duration) error
}

// Manager computes wake delays and executes the sleep between cycles.
type Manager struct {
	// Interval is the configured sampling interval.
	Interval time.Duration
	// Backoff extends the interval after consecutive radio failures.
	Backoff backoff.Policy

	clock  clockwork.Clock
	radio  Sleeper
	failed int
}

// NewManager returns a Manager waking every interval.
func NewManager(interval time.Duration, policy backoff.Policy, radio Sleeper, clock clockwork.Clock) *Manager {
	return &Manager{
		Interval: interval,
		Backoff:  policy,
		clock:    clock,
		radio:    radio,
	}
}

// NextWakeDelay returns how long to sleep after a cycle with the given
// outcome. Success and soft outcomes reset the failure streak and use
// the plain interval; radio failures extend it along the backoff curve,
// growing with each consecutive failure up to the cap.
func (m *Manager) NextWakeDelay(outcome Outcome) time.Duration {
	if !outcome.radioFailure() {
		m.failed = 0
		return m.Interval
	}

	delay := m.Interval + m.Backoff.Delay(m.failed)
	m.failed++
	log.Info().
		Stringer("outcome", outcome).
		Int("consecutive_failures", m.failed).
		Dur("delay", delay).
		Msg("extending wake delay after radio failure")
	return delay
}

// ConsecutiveFailures returns the current radio failure streak.
func (m *Manager) ConsecutiveFailures() int {
	return m.failed
}

// Sleep waits d on the timer, with the modem asleep for the duration.
// A modem sleep failure is logged and the wait proceeds; staying awake
// costs battery but never skips a cycle.
func (m *Manager) Sleep(ctx context.Context, d time.Duration) error {
	if m.radio != nil {
		if err := m.radio.SleepRadio(ctx, d); err != nil {
			log.Warn().Err(err).Msg("modem sleep failed, sleeping with radio awake")
		}
	}

	log.Debug().Dur("delay", d).Msg("sleeping until next wake")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.clock.After(d):
		return nil
	}
}
