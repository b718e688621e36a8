package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, maxSize int64) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.log")
	l, err := Open(path, maxSize)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestPutGetRoundTrip(t *testing.T) {
	l, _ := openTestLog(t, 4096)

	require.NoError(t, l.Put(0x02, []byte{0x26, 0x01, 0x1f, 0x52}))

	v, err := l.Get(0x02)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x26, 0x01, 0x1f, 0x52}, v)

	_, err = l.Get(0x03)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLastRecordWins(t *testing.T) {
	l, path := openTestLog(t, 4096)

	require.NoError(t, l.Put(0x03, []byte{0, 0, 0, 1}))
	require.NoError(t, l.Put(0x03, []byte{0, 0, 0, 2}))
	require.NoError(t, l.Put(0x03, []byte{0, 0, 0, 3}))
	require.NoError(t, l.Close())

	reopened, err := Open(path, 4096)
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Get(0x03)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 3}, v)
}

func TestDeleteTombstone(t *testing.T) {
	l, path := openTestLog(t, 4096)

	require.NoError(t, l.Put(0x00, []byte{1, 2, 3}))
	require.NoError(t, l.Delete(0x00))

	_, err := l.Get(0x00)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, l.Close())
	reopened, err := Open(path, 4096)
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.Get(0x00)
	assert.ErrorIs(t, err, ErrNotFound)
}

// A write interrupted by power loss leaves a partial record at the end of
// the file. Replay must discard it and keep every complete record before it.
func TestTornTailDiscarded(t *testing.T) {
	l, path := openTestLog(t, 4096)

	require.NoError(t, l.Put(0x03, []byte{0, 0, 0, 7}))
	require.NoError(t, l.Put(0x03, []byte{0, 0, 0, 8}))
	require.NoError(t, l.Close())

	// Simulate power loss partway through the next append.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x03, 0x04, 0x00, 0x00})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path, 4096)
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Get(0x03)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 8}, v, "last complete record must survive")

	// The log must still be appendable on a clean boundary.
	require.NoError(t, reopened.Put(0x03, []byte{0, 0, 0, 9}))
	v, err = reopened.Get(0x03)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 9}, v)
}

func TestMidLogCorruptionDetected(t *testing.T) {
	l, path := openTestLog(t, 4096)

	require.NoError(t, l.Put(0x01, []byte{1, 1, 1, 1}))
	require.NoError(t, l.Put(0x02, []byte{2, 2, 2, 2}))
	require.NoError(t, l.Close())

	// Flip a byte inside the first record's value.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[headerSize+3] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = Open(path, 4096)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestBadMagicCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.log")
	require.NoError(t, os.WriteFile(path, []byte("JUNKJUNKJUNK"), 0o600))

	_, err := Open(path, 4096)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFormatRecoversCorruptLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.log")
	require.NoError(t, os.WriteFile(path, []byte("JUNKJUNKJUNK"), 0o600))

	require.NoError(t, Format(path))

	l, err := Open(path, 4096)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Get(0x00)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, l.Put(0x00, []byte{0xaa}))
}

func TestCompactionPreservesLiveRecords(t *testing.T) {
	// Room for the header and only a handful of records before compaction.
	l, path := openTestLog(t, 96)

	for i := 0; i < 50; i++ {
		require.NoError(t, l.Put(0x03, []byte{0, 0, 0, byte(i)}))
	}
	require.NoError(t, l.Put(0x02, []byte{9, 9, 9, 9}))

	v, err := l.Get(0x03)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 49}, v)

	require.NoError(t, l.Close())
	reopened, err := Open(path, 96)
	require.NoError(t, err)
	defer reopened.Close()

	v, err = reopened.Get(0x03)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 49}, v)

	v, err = reopened.Get(0x02)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9, 9}, v)
}

func TestStoreFullWhenLiveSetExceedsCapacity(t *testing.T) {
	// Header is 8 bytes; each 200-byte value needs 206 bytes on disk.
	l, _ := openTestLog(t, 256)

	big := make([]byte, 200)
	require.NoError(t, l.Put(0x00, big))

	// A second live key cannot fit even after compaction.
	err := l.Put(0x01, big)
	assert.ErrorIs(t, err, ErrStoreFull)
}

func TestValueSizeLimits(t *testing.T) {
	l, _ := openTestLog(t, 4096)

	assert.ErrorIs(t, l.Put(0x00, nil), ErrWriteFailed)
	assert.ErrorIs(t, l.Put(0x00, make([]byte, MaxValueSize+1)), ErrWriteFailed)
}
