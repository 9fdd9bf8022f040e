// Package ramstore is the persistent-RAM storage backend: it carves one
// reserved memory region into circular zones per record category and stores
// records so they survive a restart without any filesystem underneath.
package ramstore

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssargent/muninn/pkg/ecc"
	"github.com/ssargent/muninn/pkg/pstore"
	"github.com/ssargent/muninn/pkg/zone"
)

// Errors
var (
	ErrRegionTooSmall = &StoreError{"region too small"}
	ErrNoZones        = &StoreError{"configuration yields no zones"}
)

// StoreError represents a ramstore configuration or access error
type StoreError struct {
	Message string
}

func (e *StoreError) Error() string {
	return e.Message
}

// Config carves the region. Sizes must be powers of two; anything else is
// rounded down with a warning. The crash area takes whatever the sized
// categories leave behind.
type Config struct {
	RecordSize  int // size of one crash record zone
	ConsoleSize int // console zone, 0 disables
	TraceSize   int // total trace area, 0 disables
	MsgSize     int // user message zone, 0 disables
	TraceZones  int // trace zones to carve, one per CPU; 0 means 1
	MaxReason   pstore.Reason
	ECC         ecc.Config
}

func (c Config) withDefaults(log zerolog.Logger) Config {
	round := func(name string, v int) int {
		r := zone.RoundDownPow2(v)
		if r != v {
			log.Warn().Str("area", name).Int("requested", v).Int("using", r).
				Msg("size rounded down to a power of two")
		}
		return r
	}
	c.RecordSize = round("record", c.RecordSize)
	c.ConsoleSize = round("console", c.ConsoleSize)
	c.TraceSize = round("trace", c.TraceSize)
	c.MsgSize = round("msg", c.MsgSize)
	if c.TraceZones <= 0 {
		c.TraceZones = 1
	}
	if c.MaxReason == pstore.ReasonUnknown {
		c.MaxReason = pstore.ReasonOops
	}
	return c
}

// Store is a pstore.Backend over one carved region.
type Store struct {
	config Config

	dumpZones   []*zone.Zone
	consoleZone *zone.Zone
	traceZones  []*zone.Zone
	msgZone     *zone.Zone

	bufSize      int
	dumpWriteCnt int

	// read cursors, reset by Open
	dumpReadCnt    int
	consoleReadCnt int
	traceReadCnt   int
	msgReadCnt     int

	log zerolog.Logger
}

// New carves region and mounts the zones. Prior contents with valid headers
// are preserved and become readable records; everything else is reset.
func New(region *zone.Region, config Config, log zerolog.Logger) (*Store, error) {
	if region.Size() < zone.MinRegionSize {
		return nil, fmt.Errorf("%d bytes, need at least %d: %w",
			region.Size(), zone.MinRegionSize, ErrRegionTooSmall)
	}
	config = config.withDefaults(log)

	dumpMemSize := region.Size() - config.ConsoleSize - config.MsgSize - config.TraceSize
	if dumpMemSize < 0 {
		return nil, fmt.Errorf("sized areas exceed the %d byte region: %w",
			region.Size(), ErrRegionTooSmall)
	}

	s := &Store{config: config, log: log.With().Str("backend", s2name).Logger()}
	carver := zone.NewCarver(region, config.ECC, s.log)

	var err error
	if config.RecordSize > 0 {
		s.dumpZones, err = carver.Array("dmesg", pstore.CategoryCrash.Salt(),
			dumpMemSize, config.RecordSize, 0, 0)
		if err != nil {
			return nil, err
		}
	}
	s.consoleZone, err = carver.One("console", pstore.CategoryConsole.Salt(),
		config.ConsoleSize, 0)
	if err != nil {
		return nil, err
	}
	traceFlags := zone.Flags(0)
	if config.TraceZones > 1 {
		// One zone per CPU, each with a single writer.
		traceFlags = zone.NoLock
	}
	s.traceZones, err = carver.Array("ftrace", pstore.CategoryTrace.Salt(),
		config.TraceSize, 0, config.TraceZones, traceFlags)
	if err != nil {
		return nil, err
	}
	s.msgZone, err = carver.One("pmsg", pstore.CategoryUserMsg.Salt(),
		config.MsgSize, 0)
	if err != nil {
		return nil, err
	}

	if len(s.dumpZones) == 0 && s.consoleZone == nil &&
		len(s.traceZones) == 0 && s.msgZone == nil {
		return nil, ErrNoZones
	}

	switch {
	case len(s.dumpZones) > 0:
		s.bufSize = s.dumpZones[0].UsableSize()
	case s.consoleZone != nil:
		s.bufSize = s.consoleZone.UsableSize()
	case s.msgZone != nil:
		s.bufSize = s.msgZone.UsableSize()
	default:
		s.bufSize = s.traceZones[0].UsableSize()
	}

	s.log.Info().
		Int("region", region.Size()).
		Int("dump_zones", len(s.dumpZones)).
		Int("trace_zones", len(s.traceZones)).
		Bool("console", s.consoleZone != nil).
		Bool("msg", s.msgZone != nil).
		Msg("attached persistent ram region")
	return s, nil
}

const s2name = "ramstore"

// Name implements pstore.Backend.
func (s *Store) Name() string { return s2name }

// Flags advertises the categories backed by carved zones.
func (s *Store) Flags() pstore.Flags {
	var f pstore.Flags
	if len(s.dumpZones) > 0 {
		f |= pstore.FlagCrash
	}
	if s.consoleZone != nil {
		f |= pstore.FlagConsole
	}
	if len(s.traceZones) > 0 {
		f |= pstore.FlagTrace
	}
	if s.msgZone != nil {
		f |= pstore.FlagUserMsg
	}
	return f
}

// MaxReason implements pstore.Backend.
func (s *Store) MaxReason() pstore.Reason { return s.config.MaxReason }

// BufSize returns the capacity of one crash record zone.
func (s *Store) BufSize() int { return s.bufSize }

// Open rewinds the read pass.
func (s *Store) Open() error {
	s.dumpReadCnt = 0
	s.consoleReadCnt = 0
	s.traceReadCnt = 0
	s.msgReadCnt = 0
	return nil
}

// Read returns the next stored record: crash zones first, then console,
// user messages, and per-CPU trace zones. Zones without a preserved
// snapshot are skipped.
func (s *Store) Read(rec *pstore.Record) (int, error) {
	for s.dumpReadCnt < len(s.dumpZones) {
		z := s.dumpZones[s.dumpReadCnt]
		id := s.dumpReadCnt
		s.dumpReadCnt++
		z.SaveSnapshot()
		old := z.Old()
		if len(old) == 0 {
			continue
		}
		ts, compressed, payload, ok := parseKmsgHeader(old)
		if !ok {
			// Not written by us; drop it so the zone is usable.
			s.log.Warn().Str("zone", z.Label()).Msg("invalid record header, discarding")
			z.FreeOld()
			z.Reset()
			continue
		}
		rec.Category = pstore.CategoryCrash
		rec.ID = uint64(id)
		rec.Time = ts
		rec.Compressed = compressed
		rec.Buf = append([]byte(nil), payload...)
		rec.Notice = z.ECCString()
		rec.Backend = s2name
		return len(rec.Buf), nil
	}

	if s.consoleReadCnt == 0 && s.consoleZone != nil {
		s.consoleReadCnt++
		if n, ok := s.snapshotRecord(rec, s.consoleZone, pstore.CategoryConsole, 0); ok {
			return n, nil
		}
	}

	if s.msgReadCnt == 0 && s.msgZone != nil {
		s.msgReadCnt++
		if n, ok := s.snapshotRecord(rec, s.msgZone, pstore.CategoryUserMsg, 0); ok {
			return n, nil
		}
	}

	for s.traceReadCnt < len(s.traceZones) {
		z := s.traceZones[s.traceReadCnt]
		id := s.traceReadCnt
		s.traceReadCnt++
		if n, ok := s.snapshotRecord(rec, z, pstore.CategoryTrace, uint64(id)); ok {
			rec.CPU = id
			return n, nil
		}
	}

	return 0, io.EOF
}

func (s *Store) snapshotRecord(rec *pstore.Record, z *zone.Zone, cat pstore.Category, id uint64) (int, bool) {
	z.SaveSnapshot()
	old := z.Old()
	if len(old) == 0 {
		return 0, false
	}
	rec.Category = cat
	rec.ID = id
	rec.Time = time.Now()
	rec.Compressed = false
	rec.Buf = append([]byte(nil), old...)
	rec.Notice = z.ECCString()
	rec.Backend = s2name
	return len(rec.Buf), true
}

// Write stores one record. Crash records land in the next zone of the
// round-robin, replacing whatever it held; only part 1 of a crash event is
// kept, later parts get ErrSkipZone. Console and trace records append to
// their zones. User messages must come through WriteExternal.
func (s *Store) Write(rec *pstore.Record) error {
	switch rec.Category {
	case pstore.CategoryCrash:
		return s.writeCrash(rec)
	case pstore.CategoryConsole:
		if s.consoleZone == nil {
			return pstore.ErrNotSupported
		}
		s.consoleZone.Append(rec.Buf)
		return nil
	case pstore.CategoryTrace:
		if len(s.traceZones) == 0 {
			return pstore.ErrNotSupported
		}
		z := s.traceZones[0]
		if len(s.traceZones) > 1 {
			z = s.traceZones[rec.CPU%len(s.traceZones)]
		}
		z.Append(rec.Buf)
		return nil
	default:
		return pstore.ErrNotSupported
	}
}

func (s *Store) writeCrash(rec *pstore.Record) error {
	if len(s.dumpZones) == 0 {
		return pstore.ErrNotSupported
	}
	// One zone holds one part; keeping only the newest part of an event
	// spends the limited zones on the data closest to the failure.
	if rec.Part != 1 {
		return pstore.ErrSkipZone
	}
	z := s.dumpZones[s.dumpWriteCnt]
	s.dumpWriteCnt = (s.dumpWriteCnt + 1) % len(s.dumpZones)

	z.FreeOld()
	z.Reset()

	var hdr [64]byte
	h := formatKmsgHeader(hdr[:0], rec.Time, rec.Compressed)
	size := len(rec.Buf)
	if size+len(h) > z.UsableSize() {
		size = z.UsableSize() - len(h)
	}
	z.Append(h)
	z.Append(rec.Buf[:size])
	return nil
}

// WriteExternal implements pstore.ExternalWriter: user messages stream
// straight into the pmsg zone without an intermediate copy.
func (s *Store) WriteExternal(rec *pstore.Record, r io.Reader, n int) error {
	if rec.Category != pstore.CategoryUserMsg || s.msgZone == nil {
		return pstore.ErrNotSupported
	}
	_, err := s.msgZone.AppendFrom(r, n)
	return err
}

// Erase drops the stored record and resets its zone for reuse.
func (s *Store) Erase(rec *pstore.Record) error {
	var z *zone.Zone
	switch rec.Category {
	case pstore.CategoryCrash:
		if int(rec.ID) >= len(s.dumpZones) {
			return pstore.ErrSkipZone
		}
		z = s.dumpZones[rec.ID]
	case pstore.CategoryConsole:
		z = s.consoleZone
	case pstore.CategoryUserMsg:
		z = s.msgZone
	case pstore.CategoryTrace:
		if int(rec.ID) >= len(s.traceZones) {
			return pstore.ErrSkipZone
		}
		z = s.traceZones[rec.ID]
	}
	if z == nil {
		return pstore.ErrSkipZone
	}
	z.FreeOld()
	z.Reset()
	return nil
}

// Close implements pstore.Backend. The region itself belongs to the caller.
func (s *Store) Close() error { return nil }

// CorrectedBytes sums ECC-corrected bytes across all zones.
func (s *Store) CorrectedBytes() int {
	n := 0
	for _, z := range s.allZones() {
		n += z.CorrectedBytes()
	}
	return n
}

// BadBlocks sums unrecoverable blocks across all zones.
func (s *Store) BadBlocks() int {
	n := 0
	for _, z := range s.allZones() {
		n += z.BadBlocks()
	}
	return n
}

func (s *Store) allZones() []*zone.Zone {
	zones := make([]*zone.Zone, 0, len(s.dumpZones)+len(s.traceZones)+2)
	zones = append(zones, s.dumpZones...)
	if s.consoleZone != nil {
		zones = append(zones, s.consoleZone)
	}
	zones = append(zones, s.traceZones...)
	if s.msgZone != nil {
		zones = append(zones, s.msgZone)
	}
	return zones
}

// formatKmsgHeader renders the per-record header stored ahead of a crash
// payload: "====<sec>.<usec>-<C|D>\n", C while the payload is compressed.
func formatKmsgHeader(dst []byte, t time.Time, compressed bool) []byte {
	c := byte('D')
	if compressed {
		c = 'C'
	}
	return fmt.Appendf(dst, "====%d.%06d-%c\n", t.Unix(), t.Nanosecond()/1000, c)
}

func parseKmsgHeader(buf []byte) (ts time.Time, compressed bool, payload []byte, ok bool) {
	if !bytes.HasPrefix(buf, []byte("====")) {
		return time.Time{}, false, nil, false
	}
	nl := bytes.IndexByte(buf, '\n')
	if nl < 0 {
		return time.Time{}, false, nil, false
	}
	head := buf[4:nl]
	dash := bytes.LastIndexByte(head, '-')
	if dash < 0 || dash+1 >= len(head) || len(head[dash+1:]) != 1 {
		return time.Time{}, false, nil, false
	}
	switch head[dash+1] {
	case 'C':
		compressed = true
	case 'D':
		compressed = false
	default:
		return time.Time{}, false, nil, false
	}
	dot := bytes.IndexByte(head[:dash], '.')
	if dot < 0 {
		return time.Time{}, false, nil, false
	}
	sec, err := strconv.ParseInt(string(head[:dot]), 10, 64)
	if err != nil {
		return time.Time{}, false, nil, false
	}
	usec, err := strconv.ParseInt(string(head[dot+1:dash]), 10, 64)
	if err != nil {
		return time.Time{}, false, nil, false
	}
	return time.Unix(sec, usec*1000), compressed, buf[nl+1:], true
}
