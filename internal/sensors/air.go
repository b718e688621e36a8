package sensors

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/i2c"
)

// SCD41 command set.
const (
	scd41Addr               = 0x62
	scd41CmdSerialNumber    = 0x3682
	scd41CmdMeasureSingle   = 0x219d
	scd41CmdReadMeasurement = 0xec05
	scd41CmdPowerDown       = 0x36e0
	scd41CmdWakeUp          = 0x36f6
	scd41WakeSettle         = 30 * time.Millisecond
	scd41CommandSettle      = time.Millisecond
	scd41MeasureSettle      = 5 * time.Second
	scd41PowerDownSettle    = time.Millisecond
)

// AirSensor drives an SCD41 CO2/temperature/humidity sensor in single-shot
// mode over I2C. The sensor is woken for each sample and powered back down
// afterwards to save the battery.
type AirSensor struct {
	bus     i2c.Bus
	addr    uint16
	clock   clockwork.Clock
	powered bool

	wakeSettle    time.Duration
	commandSettle time.Duration
	measureSettle time.Duration
}

// NewAirSensor returns an AirSensor on bus at the default SCD41 address.
func NewAirSensor(bus i2c.Bus, clock clockwork.Clock) *AirSensor {
	return &AirSensor{
		bus:           bus,
		addr:          scd41Addr,
		clock:         clock,
		powered:       true,
		wakeSettle:    scd41WakeSettle,
		commandSettle: scd41CommandSettle,
		measureSettle: scd41MeasureSettle,
	}
}

func (a *AirSensor) Name() string { return "scd41" }

// Detect reads the sensor serial number to confirm the device is wired and
// answering. Returns ErrNotPresent otherwise.
func (a *AirSensor) Detect(ctx context.Context) error {
	serial, err := a.serialNumber(ctx)
	if err != nil {
		return fmt.Errorf("%w: scd41: %v", ErrNotPresent, err)
	}

	log.Info().Uint64("serial", serial).Msg("air sensor detected")
	return nil
}

func (a *AirSensor) serialNumber(ctx context.Context) (uint64, error) {
	if err := a.writeCommand(scd41CmdSerialNumber); err != nil {
		return 0, err
	}
	if err := settle(ctx, a.clock, a.commandSettle); err != nil {
		return 0, err
	}

	var buf [9]byte
	if err := a.read(buf[:]); err != nil {
		return 0, err
	}

	// Three data words, each followed by a CRC byte.
	word0 := binary.BigEndian.Uint16(buf[0:2])
	word1 := binary.BigEndian.Uint16(buf[3:5])
	word2 := binary.BigEndian.Uint16(buf[6:8])
	return uint64(word0)<<32 | uint64(word1)<<16 | uint64(word2), nil
}

// Sample wakes the sensor, runs one single-shot measurement and powers the
// sensor down again. Readings come back in air-temperature, air-humidity,
// CO2 order.
func (a *AirSensor) Sample(ctx context.Context) ([]Reading, error) {
	if err := a.wake(ctx); err != nil {
		return nil, err
	}
	defer a.powerDown(ctx)

	if err := a.writeCommand(scd41CmdMeasureSingle); err != nil {
		return nil, err
	}
	if err := settle(ctx, a.clock, a.measureSettle); err != nil {
		return nil, err
	}

	if err := a.writeCommand(scd41CmdReadMeasurement); err != nil {
		return nil, err
	}
	if err := settle(ctx, a.clock, a.commandSettle); err != nil {
		return nil, err
	}

	var buf [9]byte
	if err := a.read(buf[:]); err != nil {
		return nil, err
	}

	co2 := float64(binary.BigEndian.Uint16(buf[0:2]))
	temp := float64(binary.BigEndian.Uint16(buf[3:5]))*175.0/65535.0 - 45.0
	hum := float64(binary.BigEndian.Uint16(buf[6:8])) * 100.0 / 65535.0

	return []Reading{
		rangeChecked(AirTemperature, temp, "C", -40, 85),
		rangeChecked(AirHumidity, hum, "%", 0, 100),
		rangeChecked(CO2, co2, "ppm", 0, 40000),
	}, nil
}

func (a *AirSensor) wake(ctx context.Context) error {
	if a.powered {
		return nil
	}

	if err := a.writeCommand(scd41CmdWakeUp); err != nil {
		return err
	}
	if err := settle(ctx, a.clock, a.wakeSettle); err != nil {
		return err
	}

	a.powered = true
	return nil
}

func (a *AirSensor) powerDown(ctx context.Context) {
	if !a.powered {
		return
	}

	if err := a.writeCommand(scd41CmdPowerDown); err != nil {
		log.Warn().Err(err).Msg("air sensor power-down failed")
		return
	}
	_ = settle(ctx, a.clock, scd41PowerDownSettle)
	a.powered = false
}

func (a *AirSensor) writeCommand(cmd uint16) error {
	var w [2]byte
	binary.BigEndian.PutUint16(w[:], cmd)
	if err := a.bus.Tx(a.addr, w[:], nil); err != nil {
		return fmt.Errorf("%w: scd41 write 0x%04x: %v", ErrBusTimeout, cmd, err)
	}
	return nil
}

func (a *AirSensor) read(buf []byte) error {
	if err := a.bus.Tx(a.addr, nil, buf); err != nil {
		return fmt.Errorf("%w: scd41 read: %v", ErrBusTimeout, err)
	}
	return nil
}

// settle waits for a sensor-mandated delay, honoring cancellation.
func settle(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	select {
	case <-clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
