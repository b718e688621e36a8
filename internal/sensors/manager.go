package sensors

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Result is the outcome of sampling one sensor: its readings, or the error
// that prevented them.
type Result struct {
	Sensor   string
	Readings []Reading
	Err      error
}

// Manager samples a fixed, ordered set of sensors. Every sensor is attempted
// each cycle; one failing never blocks the others. Retry policy belongs to
// the caller, not here.
type Manager struct {
	sensors []Sensor
	timeout time.Duration
	enabled map[Kind]bool
}

// NewManager builds a Manager. timeout bounds each individual sensor's
// sample; enabled filters channels, nil meaning all channels.
func NewManager(sensors []Sensor, timeout time.Duration, enabled map[Kind]bool) *Manager {
	return &Manager{
		sensors: sensors,
		timeout: timeout,
		enabled: enabled,
	}
}

// SampleAll queries every sensor in order and aggregates per-sensor results.
// A sensor exceeding its timeout is reported as ErrBusTimeout.
func (m *Manager) SampleAll(ctx context.Context) []Result {
	results := make([]Result, 0, len(m.sensors))

	for _, s := range m.sensors {
		sctx, cancel := context.WithTimeout(ctx, m.timeout)
		readings, err := s.Sample(sctx)
		cancel()

		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.Join(ErrBusTimeout, err)
		}

		if err != nil {
			log.Warn().Str("sensor", s.Name()).Err(err).Msg("sensor sample failed")
		} else {
			for _, r := range readings {
				if !r.Valid {
					log.Warn().
						Str("sensor", s.Name()).
						Stringer("channel", r.Kind).
						Float64("value", r.Value).
						Msg("reading out of range")
				}
			}
		}

		results = append(results, Result{
			Sensor:   s.Name(),
			Readings: m.filter(readings),
			Err:      err,
		})
	}

	return results
}

func (m *Manager) filter(readings []Reading) []Reading {
	if m.enabled == nil {
		return readings
	}

	out := readings[:0]
	for _, r := range readings {
		if m.enabled[r.Kind] {
			out = append(out, r)
		}
	}
	return out
}

// Valid flattens results into the valid readings, preserving order.
func Valid(results []Result) []Reading {
	var out []Reading
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		for _, r := range res.Readings {
			if r.Valid {
				out = append(out, r)
			}
		}
	}
	return out
}
