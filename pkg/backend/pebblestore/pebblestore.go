// Package pebblestore stores persistent records in a pebble database. It
// trades the ram backend's survive-anything guarantees for unbounded
// capacity: every crash part is kept, console and trace output accumulate
// per key, and nothing is overwritten behind the operator's back.
package pebblestore

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"

	"github.com/ssargent/muninn/pkg/pstore"
)

// Errors
var (
	ErrBadKey   = &StoreError{"malformed record key"}
	ErrBadFrame = &StoreError{"malformed record frame"}
)

// StoreError represents a pebblestore error
type StoreError struct {
	Message string
}

func (e *StoreError) Error() string {
	return e.Message
}

// Config tunes the backend.
type Config struct {
	// BufSize caps one crash part. Defaults to 64 KiB.
	BufSize int
	// MaxReason defaults to ReasonShutdown: with durable storage there is
	// no cost to keeping the mild reasons too.
	MaxReason pstore.Reason
}

// Store is a pstore.Backend over a pebble database.
type Store struct {
	db     *pebble.DB
	config Config

	nextID map[pstore.Category]uint64

	iter *pebble.Iterator

	log zerolog.Logger
}

const name = "pebble"

// Value frame: 8 bytes big-endian unix nanoseconds, 1 flag byte (bit 0 set
// while compressed), 2 bytes big-endian CPU, then the payload. Merged
// console and trace values concatenate payloads after the first frame.
const frameLen = 11

// Open opens or creates the database under dir.
func Open(dir string, config Config, log zerolog.Logger) (*Store, error) {
	if config.BufSize <= 0 {
		config.BufSize = 64 * 1024
	}
	if config.MaxReason == pstore.ReasonUnknown {
		config.MaxReason = pstore.ReasonShutdown
	}
	db, err := pebble.Open(dir, &pebble.Options{Logger: pebbleLogger{log}})
	if err != nil {
		return nil, fmt.Errorf("failed to open record database: %w", err)
	}
	s := &Store{
		db:     db,
		config: config,
		nextID: map[pstore.Category]uint64{},
		log:    log.With().Str("backend", name).Logger(),
	}
	if err := s.loadSequences(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// loadSequences finds the highest stored id per category so new records
// never collide with drained-but-unerased ones.
func (s *Store) loadSequences() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return fmt.Errorf("failed to scan record database: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		cat, id, err := parseKey(iter.Key())
		if err != nil {
			continue
		}
		if id+1 > s.nextID[cat] {
			s.nextID[cat] = id + 1
		}
	}
	return iter.Error()
}

// Name implements pstore.Backend.
func (s *Store) Name() string { return name }

// Flags implements pstore.Backend. The database takes every category.
func (s *Store) Flags() pstore.Flags {
	return pstore.FlagCrash | pstore.FlagConsole | pstore.FlagTrace | pstore.FlagUserMsg
}

// MaxReason implements pstore.Backend.
func (s *Store) MaxReason() pstore.Reason { return s.config.MaxReason }

// BufSize implements pstore.Backend.
func (s *Store) BufSize() int { return s.config.BufSize }

func recordKey(cat pstore.Category, id uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", cat.Name(), id))
}

func parseKey(key []byte) (pstore.Category, uint64, error) {
	parts := strings.SplitN(string(key), "/", 2)
	if len(parts) != 2 {
		return 0, 0, ErrBadKey
	}
	var cat pstore.Category
	switch parts[0] {
	case pstore.CategoryCrash.Name():
		cat = pstore.CategoryCrash
	case pstore.CategoryConsole.Name():
		cat = pstore.CategoryConsole
	case pstore.CategoryTrace.Name():
		cat = pstore.CategoryTrace
	case pstore.CategoryUserMsg.Name():
		cat = pstore.CategoryUserMsg
	default:
		return 0, 0, ErrBadKey
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", parts[1], ErrBadKey)
	}
	return cat, id, nil
}

func encodeFrame(rec *pstore.Record) []byte {
	frame := make([]byte, frameLen+len(rec.Buf))
	binary.BigEndian.PutUint64(frame, uint64(rec.Time.UnixNano()))
	if rec.Compressed {
		frame[8] = 1
	}
	binary.BigEndian.PutUint16(frame[9:], uint16(rec.CPU))
	copy(frame[frameLen:], rec.Buf)
	return frame
}

func decodeFrame(frame []byte, rec *pstore.Record) error {
	if len(frame) < frameLen {
		return ErrBadFrame
	}
	rec.Time = time.Unix(0, int64(binary.BigEndian.Uint64(frame)))
	rec.Compressed = frame[8]&1 != 0
	rec.CPU = int(binary.BigEndian.Uint16(frame[9:]))
	rec.Buf = append([]byte(nil), frame[frameLen:]...)
	return nil
}

// Write stores one record. Crash and user message records get a fresh id;
// console and trace records merge into one accumulating value per stream so
// a chatty console does not become a million records.
func (s *Store) Write(rec *pstore.Record) error {
	switch rec.Category {
	case pstore.CategoryCrash, pstore.CategoryUserMsg:
		id := s.nextID[rec.Category]
		s.nextID[rec.Category] = id + 1
		if err := s.db.Set(recordKey(rec.Category, id), encodeFrame(rec), pebble.Sync); err != nil {
			return fmt.Errorf("failed to store record: %w", err)
		}
		rec.ID = id
		return nil
	case pstore.CategoryConsole:
		return s.merge(recordKey(rec.Category, 0), rec)
	case pstore.CategoryTrace:
		return s.merge(recordKey(rec.Category, uint64(rec.CPU)), rec)
	default:
		return pstore.ErrNotSupported
	}
}

func (s *Store) merge(key []byte, rec *pstore.Record) error {
	// The default merger concatenates, so the first write lays down a
	// frame and later writes append bare payload.
	existing := true
	_, closer, err := s.db.Get(key)
	switch err {
	case nil:
		closer.Close()
	case pebble.ErrNotFound:
		existing = false
	default:
		return fmt.Errorf("failed to probe record: %w", err)
	}
	val := rec.Buf
	if !existing {
		val = encodeFrame(rec)
	}
	if err := s.db.Merge(key, val, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

// Open starts a read pass over every stored record.
func (s *Store) Open() error {
	if s.iter != nil {
		s.iter.Close()
		s.iter = nil
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return fmt.Errorf("failed to open record scan: %w", err)
	}
	s.iter = iter
	s.iter.First()
	return nil
}

// Read implements pstore.Backend.
func (s *Store) Read(rec *pstore.Record) (int, error) {
	if s.iter == nil {
		return 0, io.EOF
	}
	for ; s.iter.Valid(); s.iter.Next() {
		cat, id, err := parseKey(s.iter.Key())
		if err != nil {
			s.log.Warn().Bytes("key", s.iter.Key()).Msg("skipping malformed key")
			continue
		}
		if err := decodeFrame(s.iter.Value(), rec); err != nil {
			s.log.Warn().Bytes("key", s.iter.Key()).Msg("skipping malformed frame")
			continue
		}
		rec.Category = cat
		rec.ID = id
		rec.Backend = name
		s.iter.Next()
		return len(rec.Buf), nil
	}
	s.iter.Close()
	s.iter = nil
	return 0, io.EOF
}

// Erase implements pstore.Backend.
func (s *Store) Erase(rec *pstore.Record) error {
	if err := s.db.Delete(recordKey(rec.Category, rec.ID), pebble.Sync); err != nil {
		return fmt.Errorf("failed to erase record: %w", err)
	}
	return nil
}

// Close implements pstore.Backend.
func (s *Store) Close() error {
	if s.iter != nil {
		s.iter.Close()
		s.iter = nil
	}
	return s.db.Close()
}

// pebbleLogger adapts pebble's logging callbacks to zerolog.
type pebbleLogger struct {
	log zerolog.Logger
}

func (l pebbleLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.log.Fatal().Msgf(format, args...)
}
