package sensors

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// AnalogReader reads one analog input in volts.
type AnalogReader interface {
	ReadVolts() (float64, error)
}

// IIOVoltageReader reads a raw ADC sample from a sysfs IIO channel file and
// scales it to volts. Scale folds in both the ADC reference and any external
// voltage divider.
type IIOVoltageReader struct {
	RawPath string
	Scale   float64
}

func (r *IIOVoltageReader) ReadVolts() (float64, error) {
	data, err := os.ReadFile(r.RawPath)
	if err != nil {
		return 0, fmt.Errorf("read adc channel: %w", err)
	}

	raw, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse adc channel: %w", err)
	}

	return raw * r.Scale, nil
}

// Li-ion discharge endpoints for the capacity estimate.
const (
	batteryEmptyVolts = 3.0
	batteryFullVolts  = 4.2
)

// SystemSensor reports node telemetry: the battery voltage and the
// capacity percentage derived from it.
type SystemSensor struct {
	battery AnalogReader

	// EmptyVolts and FullVolts bound the linear capacity estimate.
	// Zero values fall back to the Li-ion defaults.
	EmptyVolts float64
	FullVolts  float64
}

// NewSystemSensor returns a SystemSensor reading the battery via adc.
func NewSystemSensor(adc AnalogReader) *SystemSensor {
	return &SystemSensor{battery: adc}
}

func (s *SystemSensor) Name() string { return "system" }

func (s *SystemSensor) Sample(ctx context.Context) ([]Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	volts, err := s.battery.ReadVolts()
	if err != nil {
		return nil, fmt.Errorf("%w: battery: %v", ErrBusTimeout, err)
	}

	return []Reading{
		rangeChecked(BatteryVoltage, volts, "V", 0, 5.5),
		rangeChecked(BatteryCapacity, s.capacityPercent(volts), "%", 0, 100),
	}, nil
}

// capacityPercent maps the measured voltage onto a linear discharge
// curve between the empty and full endpoints, clamped to [0, 100].
func (s *SystemSensor) capacityPercent(volts float64) float64 {
	empty, full := s.EmptyVolts, s.FullVolts
	if empty == 0 {
		empty = batteryEmptyVolts
	}
	if full == 0 {
		full = batteryFullVolts
	}

	pct := (volts - empty) / (full - empty) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
