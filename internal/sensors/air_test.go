package sensors

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
)

// fakeBus is a scripted i2c.Bus: reads return the payload registered for the
// most recently written command.
type fakeBus struct {
	responses map[string][]byte
	writes    [][]byte
	lastWrite string
	err       error
}

func newFakeBus() *fakeBus {
	return &fakeBus{responses: map[string][]byte{}}
}

func (b *fakeBus) String() string                      { return "fake" }
func (b *fakeBus) SetSpeed(f physic.Frequency) error   { return nil }
func (b *fakeBus) Tx(addr uint16, w, r []byte) error {
	if b.err != nil {
		return b.err
	}
	if len(w) > 0 {
		b.writes = append(b.writes, append([]byte(nil), w...))
		b.lastWrite = string(w)
	}
	if len(r) > 0 {
		resp, ok := b.responses[b.lastWrite]
		if !ok {
			return errors.New("no response scripted")
		}
		copy(r, resp)
	}
	return nil
}

// scd41Response packs three sensor data words into the 9-byte wire layout
// (each word followed by a CRC byte, which the driver skips).
func scd41Response(co2, tempRaw, humRaw uint16) []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint16(buf[0:2], co2)
	binary.BigEndian.PutUint16(buf[3:5], tempRaw)
	binary.BigEndian.PutUint16(buf[6:8], humRaw)
	return buf
}

func newTestAirSensor(bus *fakeBus) *AirSensor {
	a := NewAirSensor(bus, clockwork.NewRealClock())
	a.wakeSettle = 0
	a.commandSettle = 0
	a.measureSettle = 0
	return a
}

func TestAirSensorSample(t *testing.T) {
	bus := newFakeBus()
	// 800 ppm, 25.00 C, 50 %RH.
	tempRaw := uint16((25.0 + 45.0) / 175.0 * 65535.0)
	humFrac := 0.5
	humRaw := uint16(humFrac * 65535.0)
	bus.responses[string([]byte{0xec, 0x05})] = scd41Response(800, tempRaw, humRaw)

	a := newTestAirSensor(bus)
	readings, err := a.Sample(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 3)

	assert.Equal(t, AirTemperature, readings[0].Kind)
	assert.InDelta(t, 25.0, readings[0].Value, 0.01)
	assert.True(t, readings[0].Valid)

	assert.Equal(t, AirHumidity, readings[1].Kind)
	assert.InDelta(t, 50.0, readings[1].Value, 0.01)
	assert.True(t, readings[1].Valid)

	assert.Equal(t, CO2, readings[2].Kind)
	assert.Equal(t, 800.0, readings[2].Value)
	assert.True(t, readings[2].Valid)

	// Measure command then read command, and a power-down at the end.
	require.GreaterOrEqual(t, len(bus.writes), 3)
	assert.Equal(t, []byte{0x21, 0x9d}, bus.writes[0])
	assert.Equal(t, []byte{0xec, 0x05}, bus.writes[1])
	assert.Equal(t, []byte{0x36, 0xe0}, bus.writes[len(bus.writes)-1])
}

func TestAirSensorBusErrorMapsToBusTimeout(t *testing.T) {
	bus := newFakeBus()
	bus.err = errors.New("i2c nack")

	a := newTestAirSensor(bus)
	_, err := a.Sample(context.Background())
	assert.ErrorIs(t, err, ErrBusTimeout)
}

func TestAirSensorDetect(t *testing.T) {
	bus := newFakeBus()
	bus.responses[string([]byte{0x36, 0x82})] = scd41Response(0x1234, 0x5678, 0x9abc)

	a := newTestAirSensor(bus)
	assert.NoError(t, a.Detect(context.Background()))

	bus.err = errors.New("no device")
	assert.ErrorIs(t, a.Detect(context.Background()), ErrNotPresent)
}

func TestAirSensorOutOfRangeMarkedInvalid(t *testing.T) {
	bus := newFakeBus()
	// Humidity word maxed out, CO2 over the sensor ceiling.
	bus.responses[string([]byte{0xec, 0x05})] = scd41Response(65000, 0, 65535)

	a := newTestAirSensor(bus)
	readings, err := a.Sample(context.Background())
	require.NoError(t, err)

	assert.False(t, readings[0].Valid, "temperature -45 is below the sensor domain")
	assert.InDelta(t, -45.0, readings[0].Value, 0.01)
	assert.True(t, readings[1].Valid, "humidity 100 sits on the boundary")
	assert.False(t, readings[2].Valid, "co2 above ceiling must be invalid")
}
