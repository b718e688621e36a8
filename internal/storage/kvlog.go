package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/rs/zerolog/log"
)

// Log is an append-only, CRC-framed key-value log. The newest record for a
// key wins; a zero-length value is a tombstone. Every Put is fsynced before
// it returns, and an interrupted write leaves at most a torn tail record,
// which replay discards. It stands in for the log-structured flash store of
// the node hardware.
type Log struct {
	path    string
	f       *os.File
	size    int64
	maxSize int64
	index   map[byte][]byte
}

const (
	logMagic   = "TSNL"
	logVersion = 1
	headerSize = 8

	// key byte + length byte + CRC32
	recordOverhead = 2 + 4

	// MaxValueSize bounds a single record value (length field is one byte).
	MaxValueSize = 255
)

// Open opens or creates the log at path. A missing or empty file is
// initialized with a fresh header. A bad header or an unreadable record in
// the middle of the log returns ErrCorrupt; recovery is Format plus rejoin.
func Open(path string, maxSize int64) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}

	l := &Log{
		path:    path,
		f:       f,
		maxSize: maxSize,
		index:   make(map[byte][]byte),
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat log: %w", err)
	}

	if fi.Size() == 0 {
		log.Info().Str("path", path).Msg("formatting empty session log")
		if err := l.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		l.size = headerSize
		return l, nil
	}

	if err := l.replay(fi.Size()); err != nil {
		f.Close()
		return nil, err
	}

	return l, nil
}

// Format truncates the log at path and writes a fresh header. Used to
// recover from ErrCorrupt before reopening.
func Format(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("format log: %w", err)
	}
	defer f.Close()

	l := &Log{f: f}
	return l.writeHeader()
}

func (l *Log) writeHeader() error {
	hdr := make([]byte, headerSize)
	copy(hdr[:4], logMagic)
	binary.BigEndian.PutUint16(hdr[4:6], logVersion)

	if _, err := l.f.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("%w: header: %v", ErrWriteFailed, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("%w: header sync: %v", ErrWriteFailed, err)
	}
	return nil
}

// replay rebuilds the in-memory index from the on-disk log. A record whose
// bytes run out or whose CRC fails at the very end of the file is a torn
// tail from an interrupted write: it is truncated away. The same damage
// anywhere else means the medium is corrupt.
func (l *Log) replay(fileSize int64) error {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(io.NewSectionReader(l.f, 0, headerSize), hdr); err != nil {
		return fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if string(hdr[:4]) != logMagic {
		return fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := binary.BigEndian.Uint16(hdr[4:6]); v != logVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}

	r := io.NewSectionReader(l.f, headerSize, fileSize-headerSize)
	offset := int64(headerSize)

	for {
		var meta [2]byte
		if _, err := io.ReadFull(r, meta[:]); err == io.EOF {
			break
		} else if err != nil {
			// Torn metadata can only be the tail.
			break
		}

		key := meta[0]
		valLen := int(meta[1])
		buf := make([]byte, valLen+4)
		if _, err := io.ReadFull(r, buf); err != nil {
			// Short record: torn tail.
			break
		}

		value := buf[:valLen]
		stored := binary.BigEndian.Uint32(buf[valLen:])
		if stored != recordCRC(key, value) {
			recordEnd := offset + int64(2+valLen+4)
			if recordEnd >= fileSize {
				// Torn tail, interrupted mid-write.
				break
			}
			return fmt.Errorf("%w: crc mismatch at offset %d", ErrCorrupt, offset)
		}

		if valLen == 0 {
			delete(l.index, key)
		} else {
			l.index[key] = value
		}
		offset += int64(2 + valLen + 4)
	}

	// Drop any torn tail so the next append starts on a record boundary.
	if offset < fileSize {
		log.Warn().
			Str("path", l.path).
			Int64("torn_bytes", fileSize-offset).
			Msg("discarding torn record tail")
		if err := l.f.Truncate(offset); err != nil {
			return fmt.Errorf("%w: truncate torn tail: %v", ErrWriteFailed, err)
		}
	}

	l.size = offset
	return nil
}

func recordCRC(key byte, value []byte) uint32 {
	crc := crc32.NewIEEE()
	crc.Write([]byte{key, byte(len(value))})
	crc.Write(value)
	return crc.Sum32()
}

func encodeRecord(key byte, value []byte) []byte {
	rec := make([]byte, 2+len(value)+4)
	rec[0] = key
	rec[1] = byte(len(value))
	copy(rec[2:], value)
	binary.BigEndian.PutUint32(rec[2+len(value):], recordCRC(key, value))
	return rec
}

// Get returns the newest value for key, or ErrNotFound.
func (l *Log) Get(key byte) ([]byte, error) {
	v, ok := l.index[key]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put appends a record for key and syncs it to disk before returning. When
// the log would exceed its capacity it is compacted first; ErrStoreFull is
// returned only when the live record set itself no longer fits.
func (l *Log) Put(key byte, value []byte) error {
	if len(value) == 0 || len(value) > MaxValueSize {
		return fmt.Errorf("%w: value length %d", ErrWriteFailed, len(value))
	}
	return l.append(key, value)
}

// Delete appends a tombstone for key.
func (l *Log) Delete(key byte) error {
	if _, ok := l.index[key]; !ok {
		return nil
	}
	return l.append(key, nil)
}

func (l *Log) append(key byte, value []byte) error {
	rec := encodeRecord(key, value)

	if l.size+int64(len(rec)) > l.maxSize {
		if err := l.compact(); err != nil {
			return err
		}
		if l.size+int64(len(rec)) > l.maxSize {
			return ErrStoreFull
		}
	}

	if _, err := l.f.WriteAt(rec, l.size); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrWriteFailed, err)
	}

	l.size += int64(len(rec))
	if len(value) == 0 {
		delete(l.index, key)
	} else {
		v := make([]byte, len(value))
		copy(v, value)
		l.index[key] = v
	}

	log.Debug().
		Uint8("key", key).
		Int("len", len(value)).
		Int64("log_size", l.size).
		Msg("session log record written")
	return nil
}

// compact rewrites the live record set into a fresh log and atomically
// replaces the old file.
func (l *Log) compact() error {
	tmpPath := l.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("%w: compact open: %v", ErrWriteFailed, err)
	}

	nl := &Log{f: tmp}
	if err := nl.writeHeader(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	size := int64(headerSize)
	for key, value := range l.index {
		rec := encodeRecord(key, value)
		if _, err := tmp.WriteAt(rec, size); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("%w: compact write: %v", ErrWriteFailed, err)
		}
		size += int64(len(rec))
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: compact sync: %v", ErrWriteFailed, err)
	}

	if err := os.Rename(tmpPath, l.path); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: compact rename: %v", ErrWriteFailed, err)
	}

	l.f.Close()
	l.f = tmp
	l.size = size

	log.Info().Str("path", l.path).Int64("size", size).Msg("session log compacted")
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	return l.f.Close()
}
