package sensors

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIIOVoltageReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in_voltage0_raw")
	require.NoError(t, os.WriteFile(path, []byte("2048\n"), 0o600))

	// 12-bit ADC, 3.3 V reference, 2:1 divider.
	r := &IIOVoltageReader{RawPath: path, Scale: 3.3 / 4096.0 * 2.0}
	v, err := r.ReadVolts()
	require.NoError(t, err)
	assert.InDelta(t, 3.3, v, 0.01)

	r.RawPath = filepath.Join(t.TempDir(), "missing")
	_, err = r.ReadVolts()
	assert.Error(t, err)
}

type stubAnalog struct {
	volts float64
	err   error
}

func (s *stubAnalog) ReadVolts() (float64, error) { return s.volts, s.err }

func TestSystemSensorSample(t *testing.T) {
	s := NewSystemSensor(&stubAnalog{volts: 3.72})

	readings, err := s.Sample(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, BatteryVoltage, readings[0].Kind)
	assert.Equal(t, 3.72, readings[0].Value)
	assert.True(t, readings[0].Valid)
	assert.Equal(t, BatteryCapacity, readings[1].Kind)
	assert.InDelta(t, 60.0, readings[1].Value, 0.01)
	assert.True(t, readings[1].Valid)

	over := NewSystemSensor(&stubAnalog{volts: 9.9})
	readings, err = over.Sample(context.Background())
	require.NoError(t, err)
	assert.False(t, readings[0].Valid)
}

func TestBatteryCapacityClamped(t *testing.T) {
	full := NewSystemSensor(&stubAnalog{volts: 4.35})
	readings, err := full.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100.0, readings[1].Value)
	assert.True(t, readings[1].Valid)

	empty := NewSystemSensor(&stubAnalog{volts: 2.4})
	readings, err = empty.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, readings[1].Value)
	assert.True(t, readings[1].Valid)
}

func TestBatteryCapacityCustomEndpoints(t *testing.T) {
	s := NewSystemSensor(&stubAnalog{volts: 1.4})
	s.EmptyVolts = 1.0
	s.FullVolts = 1.8

	readings, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 50.0, readings[1].Value, 0.01)
}
