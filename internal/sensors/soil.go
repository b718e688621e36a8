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

// Seesaw (ATSAMD09) soil sensor register map.
const (
	soilAddr          = 0x36
	soilBaseStatus    = 0x00
	soilFnHwID        = 0x01
	soilFnVersion     = 0x02
	soilFnTemp        = 0x04
	soilBaseTouch     = 0x0f
	soilFnMoisture    = 0x10
	soilHwID          = 0x55
	soilProbeSettle   = time.Millisecond
	soilMeasureSettle = time.Second
)

// SoilSensor drives a seesaw capacitive soil probe: soil temperature plus a
// raw capacitance count for moisture.
type SoilSensor struct {
	bus   i2c.Bus
	addr  uint16
	clock clockwork.Clock

	probeSettle   time.Duration
	measureSettle time.Duration
}

// NewSoilSensor returns a SoilSensor on bus at the default seesaw address.
func NewSoilSensor(bus i2c.Bus, clock clockwork.Clock) *SoilSensor {
	return &SoilSensor{
		bus:           bus,
		addr:          soilAddr,
		clock:         clock,
		probeSettle:   soilProbeSettle,
		measureSettle: soilMeasureSettle,
	}
}

func (s *SoilSensor) Name() string { return "seesaw" }

// Detect reads the hardware ID register and checks it against the seesaw
// family code. Returns ErrNotPresent otherwise.
func (s *SoilSensor) Detect(ctx context.Context) error {
	var buf [1]byte
	if err := s.readRegister(ctx, soilBaseStatus, soilFnHwID, s.probeSettle, buf[:]); err != nil {
		return fmt.Errorf("%w: seesaw: %v", ErrNotPresent, err)
	}

	if buf[0] != soilHwID {
		return fmt.Errorf("%w: seesaw hw id 0x%02x", ErrNotPresent, buf[0])
	}

	version, err := s.version(ctx)
	if err != nil {
		return fmt.Errorf("%w: seesaw: %v", ErrNotPresent, err)
	}

	log.Info().Uint32("version", version).Msg("soil sensor detected")
	return nil
}

func (s *SoilSensor) version(ctx context.Context) (uint32, error) {
	var buf [4]byte
	if err := s.readRegister(ctx, soilBaseStatus, soilFnVersion, s.probeSettle, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// Sample reads soil temperature and moisture. Readings come back in
// soil-temperature, soil-moisture order.
func (s *SoilSensor) Sample(ctx context.Context) ([]Reading, error) {
	var tempBuf [4]byte
	if err := s.readRegister(ctx, soilBaseStatus, soilFnTemp, s.measureSettle, tempBuf[:]); err != nil {
		return nil, err
	}
	temp := float64(binary.BigEndian.Uint32(tempBuf[:])) / 65536.0

	var moistBuf [2]byte
	if err := s.readRegister(ctx, soilBaseTouch, soilFnMoisture, s.measureSettle, moistBuf[:]); err != nil {
		return nil, err
	}
	moisture := float64(binary.BigEndian.Uint16(moistBuf[:]))

	return []Reading{
		rangeChecked(SoilTemperature, temp, "C", -40, 85),
		rangeChecked(SoilMoisture, moisture, "counts", 0, 4095),
	}, nil
}

// readRegister issues a seesaw register read: write the base and function
// register numbers, wait for the conversion, read the result.
func (s *SoilSensor) readRegister(ctx context.Context, base, fn byte, wait time.Duration, buf []byte) error {
	if err := s.bus.Tx(s.addr, []byte{base, fn}, nil); err != nil {
		return fmt.Errorf("%w: seesaw write 0x%02x/0x%02x: %v", ErrBusTimeout, base, fn, err)
	}
	if err := settle(ctx, s.clock, wait); err != nil {
		return err
	}
	if err := s.bus.Tx(s.addr, nil, buf); err != nil {
		return fmt.Errorf("%w: seesaw read 0x%02x/0x%02x: %v", ErrBusTimeout, base, fn, err)
	}
	return nil
}
