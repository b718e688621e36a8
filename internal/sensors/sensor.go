package sensors

import (
	"context"
	"errors"
	"fmt"
)

// Sensor errors. BusTimeout covers failed and timed-out bus transactions,
// NotPresent a device that did not answer its presence probe, OutOfRange a
// value outside the sensor's physical domain. None is fatal: the affected
// channel is omitted from the cycle.
var (
	ErrBusTimeout = errors.New("sensor bus timeout")
	ErrNotPresent = errors.New("sensor not present")
	ErrOutOfRange = errors.New("sensor value out of range")
)

// Kind identifies a telemetry channel.
type Kind int

const (
	AirTemperature Kind = iota
	AirHumidity
	CO2
	SoilTemperature
	SoilMoisture
	BatteryVoltage
	BatteryCapacity
)

var kindNames = map[Kind]string{
	AirTemperature:  "air_temperature",
	AirHumidity:     "air_humidity",
	CO2:             "co2",
	SoilTemperature: "soil_temperature",
	SoilMoisture:    "soil_moisture",
	BatteryVoltage:  "battery_voltage",
	BatteryCapacity: "battery_capacity",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind parses a config channel name.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown channel %q", name)
}

// AllKinds returns every channel kind in canonical order.
func AllKinds() []Kind {
	return []Kind{AirTemperature, AirHumidity, CO2, SoilTemperature, SoilMoisture, BatteryVoltage, BatteryCapacity}
}

// Reading is one sampled value. Valid is false when the value failed its
// range check; invalid readings are carried through so callers can see what
// was rejected, but they are never encoded.
type Reading struct {
	Kind  Kind
	Value float64
	Unit  string
	Valid bool
}

// Sensor is a single physical device producing one or more readings per
// sample. Sample performs one bus transaction sequence; it does not retry.
type Sensor interface {
	Name() string
	Sample(ctx context.Context) ([]Reading, error)
}

// rangeChecked builds a Reading, marking it invalid outside [min, max].
func rangeChecked(kind Kind, value float64, unit string, min, max float64) Reading {
	return Reading{
		Kind:  kind,
		Value: value,
		Unit:  unit,
		Valid: value >= min && value <= max,
	}
}
