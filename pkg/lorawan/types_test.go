package lorawan

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEUI64(t *testing.T) {
	e, err := ParseEUI64("a84041000181b365")
	require.NoError(t, err)
	assert.Equal(t, EUI64{0xa8, 0x40, 0x41, 0x00, 0x01, 0x81, 0xb3, 0x65}, e)
	assert.Equal(t, "a84041000181b365", e.String())

	_, err = ParseEUI64("a84041")
	assert.Error(t, err)

	_, err = ParseEUI64("not-hex")
	assert.Error(t, err)
}

func TestEUI64JSON(t *testing.T) {
	e := EUI64{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Equal(t, `"0102030405060708"`, string(data))

	var decoded EUI64
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, e, decoded)
}

func TestParseDevAddr(t *testing.T) {
	d, err := ParseDevAddr("26011f52")
	require.NoError(t, err)
	assert.Equal(t, DevAddr{0x26, 0x01, 0x1f, 0x52}, d)
	assert.Equal(t, "26011f52", d.String())

	_, err = ParseDevAddr("26011f5200")
	assert.Error(t, err)
}

func TestParseAES128Key(t *testing.T) {
	k, err := ParseAES128Key("2b7e151628aed2a6abf7158809cf4f3c")
	require.NoError(t, err)
	assert.Equal(t, "2b7e151628aed2a6abf7158809cf4f3c", k.String())

	_, err = ParseAES128Key("2b7e1516")
	assert.Error(t, err)
}
