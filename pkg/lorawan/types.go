package lorawan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// MarshalJSON implements json.Marshaler
func (e EUI64) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseEUI64(s)
	if err != nil {
		return err
	}

	*e = parsed
	return nil
}

// ParseEUI64 parses a 16-character hex string into an EUI64
func ParseEUI64(s string) (EUI64, error) {
	var e EUI64

	b, err := hex.DecodeString(s)
	if err != nil {
		return e, fmt.Errorf("parse EUI64: %w", err)
	}

	if len(b) != 8 {
		return e, fmt.Errorf("invalid EUI64 length %d", len(b))
	}

	copy(e[:], b)
	return e, nil
}

// DevAddr represents a 4-byte device address
type DevAddr [4]byte

// String returns hex string representation
func (d DevAddr) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDevAddr parses an 8-character hex string into a DevAddr
func ParseDevAddr(s string) (DevAddr, error) {
	var d DevAddr

	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parse DevAddr: %w", err)
	}

	if len(b) != 4 {
		return d, fmt.Errorf("invalid DevAddr length %d", len(b))
	}

	copy(d[:], b)
	return d, nil
}

// AES128Key represents a 128-bit AES key
type AES128Key [16]byte

// String returns hex string representation
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

// ParseAES128Key parses a 32-character hex string into an AES128Key
func ParseAES128Key(s string) (AES128Key, error) {
	var k AES128Key

	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("parse AES128Key: %w", err)
	}

	if len(b) != 16 {
		return k, fmt.Errorf("invalid AES128Key length %d", len(b))
	}

	copy(k[:], b)
	return k, nil
}
