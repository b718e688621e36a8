package power

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrasense/terrasense-node/internal/backoff"
)

func testPolicy() backoff.Policy {
	return backoff.Policy{Base: 30 * time.Second, Multiplier: 2.0, Cap: time.Hour}
}

func TestSuccessUsesInterval(t *testing.T) {
	m := NewManager(5*time.Minute, testPolicy(), nil, clockwork.NewFakeClock())
	assert.Equal(t, 5*time.Minute, m.NextWakeDelay(OutcomeSuccess))
	assert.Zero(t, m.ConsecutiveFailures())
}

func TestSoftOutcomesUseInterval(t *testing.T) {
	m := NewManager(5*time.Minute, testPolicy(), nil, clockwork.NewFakeClock())
	assert.Equal(t, 5*time.Minute, m.NextWakeDelay(OutcomeAckTimeout))
	assert.Equal(t, 5*time.Minute, m.NextWakeDelay(OutcomeNoReadings))
	assert.Zero(t, m.ConsecutiveFailures())
}

func TestConsecutiveFailuresExtendDelay(t *testing.T) {
	m := NewManager(5*time.Minute, testPolicy(), nil, clockwork.NewFakeClock())

	// Three failed cycles in a row produce strictly increasing delays.
	d1 := m.NextWakeDelay(OutcomeJoinFailed)
	d2 := m.NextWakeDelay(OutcomeJoinFailed)
	d3 := m.NextWakeDelay(OutcomeJoinFailed)
	assert.Greater(t, d1, 5*time.Minute)
	assert.Greater(t, d2, d1)
	assert.Greater(t, d3, d2)
	assert.Equal(t, 3, m.ConsecutiveFailures())

	assert.Equal(t, 5*time.Minute+30*time.Second, d1)
	assert.Equal(t, 5*time.Minute+time.Minute, d2)
	assert.Equal(t, 5*time.Minute+2*time.Minute, d3)
}

func TestFailureDelayCapped(t *testing.T) {
	m := NewManager(5*time.Minute, testPolicy(), nil, clockwork.NewFakeClock())

	var last time.Duration
	for i := 0; i < 20; i++ {
		last = m.NextWakeDelay(OutcomeTxFailed)
	}
	assert.Equal(t, 5*time.Minute+time.Hour, last)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	m := NewManager(5*time.Minute, testPolicy(), nil, clockwork.NewFakeClock())

	m.NextWakeDelay(OutcomeJoinFailed)
	m.NextWakeDelay(OutcomeJoinFailed)
	require.Equal(t, 2, m.ConsecutiveFailures())

	assert.Equal(t, 5*time.Minute, m.NextWakeDelay(OutcomeSuccess))
	assert.Zero(t, m.ConsecutiveFailures())

	// The streak starts over from the base delay.
	assert.Equal(t, 5*time.Minute+30*time.Second, m.NextWakeDelay(OutcomeJoinFailed))
}

type recordingSleeper struct {
	calls []time.Duration
	err   error
}

func (r *recordingSleeper) SleepRadio(ctx context.Context, d time.Duration) error {
	r.calls = append(r.calls, d)
	return r.err
}

func TestSleepPutsRadioToSleep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sleeper := &recordingSleeper{}
	m := NewManager(5*time.Minute, testPolicy(), sleeper, clock)

	done := make(chan error, 1)
	go func() { done <- m.Sleep(context.Background(), 5*time.Minute) }()

	clock.BlockUntil(1)
	clock.Advance(5 * time.Minute)
	require.NoError(t, <-done)
	assert.Equal(t, []time.Duration{5 * time.Minute}, sleeper.calls)
}

func TestSleepProceedsWhenModemSleepFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sleeper := &recordingSleeper{err: errors.New("modem busy")}
	m := NewManager(5*time.Minute, testPolicy(), sleeper, clock)

	done := make(chan error, 1)
	go func() { done <- m.Sleep(context.Background(), time.Minute) }()

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	require.NoError(t, <-done)
}

func TestSleepCancelled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(5*time.Minute, testPolicy(), nil, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Sleep(ctx, time.Hour) }()

	clock.BlockUntil(1)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "no_readings", OutcomeNoReadings.String())
	assert.Equal(t, "join_failed", OutcomeJoinFailed.String())
	assert.Equal(t, "tx_failed", OutcomeTxFailed.String())
	assert.Equal(t, "ack_timeout", OutcomeAckTimeout.String())
	assert.Equal(t, "aborted", OutcomeAborted.String())
}
