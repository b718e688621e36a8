package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/terrasense/terrasense-node/internal/storage"
)

// Storage record keys. The first three values match the flash layout of
// earlier firmware revisions and must not be renumbered.
const (
	KeyAppSKey  = 0x00
	KeyNwkSKey  = 0x01
	KeyDevAddr  = 0x02
	KeyFCntUp   = 0x03
	KeyFCntDown = 0x04
	KeyJoinedAt = 0x05
)

// ErrNoSession is returned by Load when no session has been persisted.
var ErrNoSession = errors.New("no session")

// Store persists Sessions in the key-value log. The DevAddr record is
// written last on Save, so a session is only ever visible to Load once its
// keys and counters are already durable.
type Store struct {
	kv storage.Store
}

// NewStore returns a Store backed by kv.
func NewStore(kv storage.Store) *Store {
	return &Store{kv: kv}
}

// Load restores the persisted session. It returns ErrNoSession when none
// was saved and storage.ErrCorrupt when a record exists but cannot be
// decoded; neither is fatal, both force a fresh join.
func (s *Store) Load() (*Session, error) {
	devAddr, err := s.kv.Get(KeyDevAddr)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}

	sess := &Session{}
	if len(devAddr) != len(sess.DevAddr) {
		return nil, fmt.Errorf("%w: devaddr record length %d", storage.ErrCorrupt, len(devAddr))
	}
	copy(sess.DevAddr[:], devAddr)

	nwkSKey, err := s.kv.Get(KeyNwkSKey)
	if err != nil {
		return nil, s.missingKeyErr(err, "nwkskey")
	}
	if len(nwkSKey) != len(sess.NwkSKey) {
		return nil, fmt.Errorf("%w: nwkskey record length %d", storage.ErrCorrupt, len(nwkSKey))
	}
	copy(sess.NwkSKey[:], nwkSKey)

	appSKey, err := s.kv.Get(KeyAppSKey)
	if err != nil {
		return nil, s.missingKeyErr(err, "appskey")
	}
	if len(appSKey) != len(sess.AppSKey) {
		return nil, fmt.Errorf("%w: appskey record length %d", storage.ErrCorrupt, len(appSKey))
	}
	copy(sess.AppSKey[:], appSKey)

	sess.FCntUp, err = s.loadCounter(KeyFCntUp)
	if err != nil {
		return nil, err
	}
	sess.FCntDown, err = s.loadCounter(KeyFCntDown)
	if err != nil {
		return nil, err
	}

	if raw, err := s.kv.Get(KeyJoinedAt); err == nil {
		if len(raw) != 8 {
			return nil, fmt.Errorf("%w: joined_at record length %d", storage.ErrCorrupt, len(raw))
		}
		sess.JoinedAt = time.Unix(int64(binary.BigEndian.Uint64(raw)), 0).UTC()
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	log.Debug().
		Str("dev_addr", sess.DevAddr.String()).
		Uint32("fcnt_up", sess.FCntUp).
		Uint32("fcnt_down", sess.FCntDown).
		Msg("session restored from storage")
	return sess, nil
}

// missingKeyErr maps a missing companion record to ErrCorrupt: a DevAddr
// without its keys means an interrupted Clear, not a missing session.
func (s *Store) missingKeyErr(err error, name string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s record missing", storage.ErrCorrupt, name)
	}
	return err
}

func (s *Store) loadCounter(key byte) (uint32, error) {
	raw, err := s.kv.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 4 {
		return 0, fmt.Errorf("%w: counter record length %d", storage.ErrCorrupt, len(raw))
	}
	return binary.BigEndian.Uint32(raw), nil
}

// Save persists the full session. Keys and counters are written before the
// DevAddr record that makes the session loadable.
func (s *Store) Save(sess *Session) error {
	if err := s.kv.Put(KeyNwkSKey, sess.NwkSKey[:]); err != nil {
		return err
	}
	if err := s.kv.Put(KeyAppSKey, sess.AppSKey[:]); err != nil {
		return err
	}
	if err := s.putCounter(KeyFCntUp, sess.FCntUp); err != nil {
		return err
	}
	if err := s.putCounter(KeyFCntDown, sess.FCntDown); err != nil {
		return err
	}

	joinedAt := make([]byte, 8)
	binary.BigEndian.PutUint64(joinedAt, uint64(sess.JoinedAt.Unix()))
	if err := s.kv.Put(KeyJoinedAt, joinedAt); err != nil {
		return err
	}

	if err := s.kv.Put(KeyDevAddr, sess.DevAddr[:]); err != nil {
		return err
	}

	log.Info().
		Str("dev_addr", sess.DevAddr.String()).
		Uint32("fcnt_up", sess.FCntUp).
		Msg("session persisted")
	return nil
}

// SaveFCntUp persists only the uplink frame counter. Called before every
// transmit so the counter on disk is never behind one the network has seen.
func (s *Store) SaveFCntUp(sess *Session) error {
	return s.putCounter(KeyFCntUp, sess.FCntUp)
}

// SaveFCntDown persists only the downlink frame counter.
func (s *Store) SaveFCntDown(sess *Session) error {
	return s.putCounter(KeyFCntDown, sess.FCntDown)
}

func (s *Store) putCounter(key byte, v uint32) error {
	raw := make([]byte, 4)
	binary.BigEndian.PutUint32(raw, v)
	return s.kv.Put(key, raw)
}

// Clear removes every session record. The DevAddr record goes first so an
// interrupted Clear reads back as corrupt rather than as a half-session.
func (s *Store) Clear() error {
	for _, key := range []byte{KeyDevAddr, KeyNwkSKey, KeyAppSKey, KeyFCntUp, KeyFCntDown, KeyJoinedAt} {
		if err := s.kv.Delete(key); err != nil {
			return err
		}
	}
	log.Info().Msg("session cleared")
	return nil
}
