package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrasense/terrasense-node/internal/sensors"
)

func fullReadings() []sensors.Reading {
	return []sensors.Reading{
		{Kind: sensors.AirTemperature, Value: 23.4, Unit: "C", Valid: true},
		{Kind: sensors.AirHumidity, Value: 51.0, Unit: "%", Valid: true},
		{Kind: sensors.CO2, Value: 856, Unit: "ppm", Valid: true},
		{Kind: sensors.SoilTemperature, Value: -2.1, Unit: "C", Valid: true},
		{Kind: sensors.SoilMoisture, Value: 811, Unit: "counts", Valid: true},
		{Kind: sensors.BatteryVoltage, Value: 3.72, Unit: "V", Valid: true},
		{Kind: sensors.BatteryCapacity, Value: 60.0, Unit: "%", Valid: true},
	}
}

func TestEncodeWireFormat(t *testing.T) {
	e := &Encoder{MaxSize: 51}

	p, err := e.Encode(fullReadings())
	require.NoError(t, err)
	assert.Equal(t, 7, p.Entries)

	want := []byte{
		0x01, 0x67, 0x00, 0xea, // air temp 23.4 -> 234
		0x01, 0x68, 0x66, // air humidity 51.0 -> 102
		0x01, 0x65, 0x03, 0x58, // co2 856 ppm
		0x02, 0x67, 0xff, 0xeb, // soil temp -2.1 -> -21
		0x02, 0x65, 0x03, 0x2b, // soil moisture 811
		0x03, 0x02, 0x01, 0x74, // battery 3.72 V -> 372
		0x03, 0x68, 0x78, // battery capacity 60% -> 120
	}
	assert.Equal(t, want, p.Bytes)
}

func TestEncodeDeterministic(t *testing.T) {
	e := &Encoder{MaxSize: 51}

	p1, err := e.Encode(fullReadings())
	require.NoError(t, err)
	p2, err := e.Encode(fullReadings())
	require.NoError(t, err)

	assert.Equal(t, p1.Bytes, p2.Bytes)
}

func TestEncodeSkipsInvalidReadings(t *testing.T) {
	readings := fullReadings()
	readings[2].Valid = false // co2 failed its range check

	e := &Encoder{MaxSize: 51}
	p, err := e.Encode(readings)
	require.NoError(t, err)

	assert.Equal(t, 6, p.Entries)
	for i := 0; i+1 < len(p.Bytes); i += 2 {
		// No entry may carry the co2 channel/type pair.
		assert.False(t, p.Bytes[i] == 0x01 && p.Bytes[i+1] == 0x65)
	}
}

func TestEncodeOverflow(t *testing.T) {
	e := &Encoder{MaxSize: 8}

	_, err := e.Encode(fullReadings())
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestEncodeWithDropShedsConfiguredChannels(t *testing.T) {
	e := &Encoder{
		MaxSize:      16,
		DropPriority: []sensors.Kind{sensors.CO2, sensors.SoilMoisture, sensors.SoilTemperature},
	}

	// Full set is 26 bytes; dropping co2 (4) leaves 22, soil moisture
	// (4) leaves 18, soil temperature (4) leaves 14, which fits.
	p, dropped, err := e.EncodeWithDrop(fullReadings())
	require.NoError(t, err)
	assert.Equal(t, []sensors.Kind{sensors.CO2, sensors.SoilMoisture, sensors.SoilTemperature}, dropped)
	assert.Equal(t, 4, p.Entries)
	assert.LessOrEqual(t, len(p.Bytes), 16)
}

func TestEncodeWithDropExhausted(t *testing.T) {
	e := &Encoder{
		MaxSize:      4,
		DropPriority: []sensors.Kind{sensors.CO2},
	}

	_, _, err := e.EncodeWithDrop(fullReadings())
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestEncodeWithDropNoopWhenFits(t *testing.T) {
	e := &Encoder{
		MaxSize:      51,
		DropPriority: []sensors.Kind{sensors.CO2},
	}

	p, dropped, err := e.EncodeWithDrop(fullReadings())
	require.NoError(t, err)
	assert.Empty(t, dropped)
	assert.Equal(t, 7, p.Entries)
}

func TestEncodedSize(t *testing.T) {
	assert.Equal(t, 4, EncodedSize(sensors.AirTemperature))
	assert.Equal(t, 3, EncodedSize(sensors.AirHumidity))
	assert.Equal(t, 4, EncodedSize(sensors.BatteryVoltage))
	assert.Equal(t, 3, EncodedSize(sensors.BatteryCapacity))
}
