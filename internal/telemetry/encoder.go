package telemetry

import (
	"errors"
	"fmt"
	"math"

	"github.com/terrasense/terrasense-node/internal/sensors"
)

// ErrOverflow means the encoded payload would exceed the configured maximum.
var ErrOverflow = errors.New("payload overflow")

// Payload is one encoded uplink: a sequence of {channel, type, value}
// entries. Immutable once built.
type Payload struct {
	Bytes   []byte
	Entries int
}

// entrySpec fixes the wire representation of one channel. This table is the
// format contract with the network server: channels, type tags, widths and
// scale factors must not change between firmware versions.
type entrySpec struct {
	channel byte
	typeTag byte
	width   int
	encode  func(v float64) []byte
}

const (
	channelAir    = 0x01
	channelSoil   = 0x02
	channelSystem = 0x03

	typeDigitalInput = 0x00
	typeAnalogInput  = 0x02
	typeIlluminance  = 0x65
	typeTemperature  = 0x67
	typeHumidity     = 0x68
)

var wireFormat = map[sensors.Kind]entrySpec{
	sensors.AirTemperature: {
		channel: channelAir, typeTag: typeTemperature, width: 2,
		encode: func(v float64) []byte { return beInt16(int16(math.Round(v * 10))) },
	},
	sensors.AirHumidity: {
		channel: channelAir, typeTag: typeHumidity, width: 1,
		encode: func(v float64) []byte { return []byte{byte(uint8(math.Round(v * 2)))} },
	},
	sensors.CO2: {
		channel: channelAir, typeTag: typeIlluminance, width: 2,
		encode: func(v float64) []byte { return beUint16(uint16(math.Round(v))) },
	},
	sensors.SoilTemperature: {
		channel: channelSoil, typeTag: typeTemperature, width: 2,
		encode: func(v float64) []byte { return beInt16(int16(math.Round(v * 10))) },
	},
	sensors.SoilMoisture: {
		channel: channelSoil, typeTag: typeIlluminance, width: 2,
		encode: func(v float64) []byte { return beUint16(uint16(math.Round(v))) },
	},
	sensors.BatteryVoltage: {
		channel: channelSystem, typeTag: typeAnalogInput, width: 2,
		encode: func(v float64) []byte { return beUint16(uint16(math.Round(v * 100))) },
	},
	sensors.BatteryCapacity: {
		channel: channelSystem, typeTag: typeHumidity, width: 1,
		encode: func(v float64) []byte { return []byte{byte(uint8(math.Round(v * 2)))} },
	},
}

func beInt16(v int16) []byte {
	return []byte{byte(uint16(v) >> 8), byte(uint16(v))}
}

func beUint16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

// EncodedSize returns the on-wire size of one channel entry.
func EncodedSize(kind sensors.Kind) int {
	spec, ok := wireFormat[kind]
	if !ok {
		return 0
	}
	return 2 + spec.width
}

// Encoder serializes readings into the uplink telemetry format.
type Encoder struct {
	// MaxSize bounds the encoded payload (the radio MTU for the slowest
	// permitted data rate).
	MaxSize int
	// DropPriority lists channels to shed first when the payload
	// overflows, most expendable first.
	DropPriority []sensors.Kind
}

// Encode serializes the valid readings, in input order, into one payload.
// Invalid readings are skipped, never encoded. Deterministic: identical
// readings yield identical bytes. Returns ErrOverflow when the result would
// exceed MaxSize.
func (e *Encoder) Encode(readings []sensors.Reading) (Payload, error) {
	return e.encodeExcluding(readings, nil)
}

// EncodeWithDrop encodes the readings, shedding channels in DropPriority
// order until the payload fits. It returns the dropped kinds. When the
// payload still overflows with every droppable channel removed, it returns
// ErrOverflow.
func (e *Encoder) EncodeWithDrop(readings []sensors.Reading) (Payload, []sensors.Kind, error) {
	p, err := e.Encode(readings)
	if err == nil {
		return p, nil, nil
	}

	excluded := make(map[sensors.Kind]bool)
	var dropped []sensors.Kind
	for _, kind := range e.DropPriority {
		excluded[kind] = true
		dropped = append(dropped, kind)

		p, err := e.encodeExcluding(readings, excluded)
		if err == nil {
			return p, dropped, nil
		}
	}

	return Payload{}, nil, fmt.Errorf("%w: %d channels dropped, still over %d bytes",
		ErrOverflow, len(dropped), e.MaxSize)
}

func (e *Encoder) encodeExcluding(readings []sensors.Reading, excluded map[sensors.Kind]bool) (Payload, error) {
	var out []byte
	entries := 0

	for _, r := range readings {
		if !r.Valid || excluded[r.Kind] {
			continue
		}

		spec, ok := wireFormat[r.Kind]
		if !ok {
			return Payload{}, fmt.Errorf("no wire format for channel %s", r.Kind)
		}

		value := spec.encode(r.Value)
		if len(value) != spec.width {
			return Payload{}, fmt.Errorf("channel %s encoded to %d bytes, want %d", r.Kind, len(value), spec.width)
		}

		out = append(out, spec.channel, spec.typeTag)
		out = append(out, value...)
		entries++

		if len(out) > e.MaxSize {
			return Payload{}, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrOverflow, len(out), e.MaxSize)
		}
	}

	return Payload{Bytes: out, Entries: entries}, nil
}
