package ramstore

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/muninn/pkg/ecc"
	"github.com/ssargent/muninn/pkg/pstore"
	"github.com/ssargent/muninn/pkg/zone"
)

func testConfig() Config {
	return Config{
		RecordSize:  4096,
		ConsoleSize: 8192,
		TraceSize:   4096,
		MsgSize:     4096,
		TraceZones:  2,
	}
}

func newTestStore(t *testing.T, region *zone.Region, cfg Config) *Store {
	t.Helper()
	s, err := New(region, cfg, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func readAll(t *testing.T, s *Store) []pstore.Record {
	t.Helper()
	require.NoError(t, s.Open())
	var out []pstore.Record
	for {
		var rec pstore.Record
		_, err := s.Read(&rec)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestStore_RejectsTinyRegion(t *testing.T) {
	_, err := New(zone.NewMemRegion(1024), testConfig(), zerolog.Nop())
	assert.ErrorIs(t, err, ErrRegionTooSmall)
}

func TestStore_RejectsOversubscribedRegion(t *testing.T) {
	cfg := Config{ConsoleSize: 32768, RecordSize: 4096}
	_, err := New(zone.NewMemRegion(16384), cfg, zerolog.Nop())
	assert.ErrorIs(t, err, ErrRegionTooSmall)
}

func TestStore_FlagsFollowCarvedZones(t *testing.T) {
	s := newTestStore(t, zone.NewMemRegion(64*1024), testConfig())
	f := s.Flags()
	assert.True(t, f.Has(pstore.CategoryCrash))
	assert.True(t, f.Has(pstore.CategoryConsole))
	assert.True(t, f.Has(pstore.CategoryTrace))
	assert.True(t, f.Has(pstore.CategoryUserMsg))

	s = newTestStore(t, zone.NewMemRegion(32*1024), Config{ConsoleSize: 16384})
	assert.Equal(t, pstore.FlagConsole, s.Flags())
}

func TestStore_CrashRoundRobin(t *testing.T) {
	// 32 KiB with 8 KiB of sized areas leaves 24 KiB: six 4 KiB zones.
	region := zone.NewMemRegion(32 * 1024)
	s := newTestStore(t, region, Config{RecordSize: 4096, ConsoleSize: 4096, MsgSize: 4096})

	for i := 0; i < 3; i++ {
		rec := pstore.Record{
			Category: pstore.CategoryCrash,
			Part:     1,
			Time:     time.Unix(int64(1700000000+i), 0),
			Buf:      []byte(strings.Repeat("x", 10) + string(rune('a'+i))),
		}
		require.NoError(t, s.Write(&rec))
	}

	records := readAll(t, s)
	var crash []pstore.Record
	for _, r := range records {
		if r.Category == pstore.CategoryCrash {
			crash = append(crash, r)
		}
	}
	require.Len(t, crash, 3)
	assert.Equal(t, uint64(0), crash[0].ID)
	assert.Equal(t, uint64(2), crash[2].ID)
	assert.Equal(t, []byte("xxxxxxxxxxc"), crash[2].Buf)
	assert.Equal(t, time.Unix(1700000002, 0).Unix(), crash[2].Time.Unix())
}

func TestStore_TwoCrashEventsSurviveRemount(t *testing.T) {
	region := zone.NewMemRegion(32 * 1024)
	cfg := Config{RecordSize: 8192}

	s := newTestStore(t, region, cfg)
	for i, text := range []string{"first panic", "second panic"} {
		rec := pstore.Record{
			Category: pstore.CategoryCrash,
			Part:     1,
			Time:     time.Unix(int64(1700000100+i), 0),
			Buf:      []byte(text),
		}
		require.NoError(t, s.Write(&rec))
	}

	// New store over the same region, as after a reboot.
	s2 := newTestStore(t, region, cfg)
	records := readAll(t, s2)
	require.Len(t, records, 2)
	assert.Equal(t, []byte("first panic"), records[0].Buf)
	assert.Equal(t, []byte("second panic"), records[1].Buf)
	assert.Equal(t, int64(1700000100), records[0].Time.Unix())
	assert.False(t, records[0].Compressed)
}

func TestStore_CompressedFlagSurvivesHeader(t *testing.T) {
	region := zone.NewMemRegion(16 * 1024)
	s := newTestStore(t, region, Config{RecordSize: 8192})

	rec := pstore.Record{
		Category:   pstore.CategoryCrash,
		Part:       1,
		Time:       time.Now(),
		Buf:        []byte{0x28, 0xb5, 0x2f, 0xfd},
		Compressed: true,
	}
	require.NoError(t, s.Write(&rec))

	records := readAll(t, newTestStore(t, region, Config{RecordSize: 8192}))
	require.Len(t, records, 1)
	assert.True(t, records[0].Compressed)
	assert.Equal(t, rec.Buf, records[0].Buf)
}

func TestStore_LaterPartsAreSkipped(t *testing.T) {
	s := newTestStore(t, zone.NewMemRegion(16*1024), Config{RecordSize: 4096})

	rec := pstore.Record{Category: pstore.CategoryCrash, Part: 2, Time: time.Now(), Buf: []byte("older data")}
	assert.ErrorIs(t, s.Write(&rec), pstore.ErrSkipZone)

	rec.Part = 1
	assert.NoError(t, s.Write(&rec))
}

func TestStore_OversizedCrashIsTruncated(t *testing.T) {
	region := zone.NewMemRegion(8 * 1024)
	s := newTestStore(t, region, Config{RecordSize: 4096})

	big := []byte(strings.Repeat("z", 8000))
	rec := pstore.Record{Category: pstore.CategoryCrash, Part: 1, Time: time.Now(), Buf: big}
	require.NoError(t, s.Write(&rec))

	records := readAll(t, newTestStore(t, region, Config{RecordSize: 4096}))
	require.Len(t, records, 1)
	assert.Less(t, len(records[0].Buf), 4096)
	assert.Greater(t, len(records[0].Buf), 3000)
}

func TestStore_ForeignZoneContentsAreDiscarded(t *testing.T) {
	region := zone.NewMemRegion(8 * 1024)
	s := newTestStore(t, region, Config{RecordSize: 4096})

	rec := pstore.Record{Category: pstore.CategoryCrash, Part: 1, Time: time.Now(), Buf: []byte("good")}
	require.NoError(t, s.Write(&rec))

	// Scribble over the record header, as if another writer had used the
	// zone with different framing.
	region.Data()[12] = 'X'

	records := readAll(t, newTestStore(t, region, Config{RecordSize: 4096}))
	assert.Empty(t, records)
}

func TestStore_ConsoleAppendsAcrossWrites(t *testing.T) {
	region := zone.NewMemRegion(16 * 1024)
	s := newTestStore(t, region, Config{ConsoleSize: 8192, RecordSize: 4096})

	for _, line := range []string{"boot ok\n", "service up\n", "all quiet\n"} {
		require.NoError(t, s.Write(&pstore.Record{
			Category: pstore.CategoryConsole,
			Buf:      []byte(line),
		}))
	}

	records := readAll(t, newTestStore(t, region, Config{ConsoleSize: 8192, RecordSize: 4096}))
	require.Len(t, records, 1)
	assert.Equal(t, pstore.CategoryConsole, records[0].Category)
	assert.Equal(t, "boot ok\nservice up\nall quiet\n", string(records[0].Buf))
}

func TestStore_TraceZoneSelectionByCPU(t *testing.T) {
	region := zone.NewMemRegion(16 * 1024)
	cfg := Config{TraceSize: 8192, TraceZones: 2}
	s := newTestStore(t, region, cfg)

	require.NoError(t, s.Write(&pstore.Record{Category: pstore.CategoryTrace, CPU: 0, Buf: []byte("cpu0 ")}))
	require.NoError(t, s.Write(&pstore.Record{Category: pstore.CategoryTrace, CPU: 1, Buf: []byte("cpu1 ")}))
	require.NoError(t, s.Write(&pstore.Record{Category: pstore.CategoryTrace, CPU: 2, Buf: []byte("cpu0 again")}))

	records := readAll(t, newTestStore(t, region, cfg))
	require.Len(t, records, 2)
	assert.Equal(t, "cpu0 cpu0 again", string(records[0].Buf))
	assert.Equal(t, 0, records[0].CPU)
	assert.Equal(t, "cpu1 ", string(records[1].Buf))
	assert.Equal(t, 1, records[1].CPU)
}

func TestStore_UserMsgStreamsIn(t *testing.T) {
	region := zone.NewMemRegion(16 * 1024)
	cfg := Config{MsgSize: 4096, RecordSize: 4096}
	s := newTestStore(t, region, cfg)

	rec := pstore.Record{Category: pstore.CategoryUserMsg}
	require.NoError(t, s.WriteExternal(&rec, strings.NewReader("user marker 1\n"), 14))
	require.NoError(t, s.WriteExternal(&rec, strings.NewReader("user marker 2\n"), 14))

	// Plain writes are reserved for the streaming path.
	assert.ErrorIs(t, s.Write(&pstore.Record{Category: pstore.CategoryUserMsg, Buf: []byte("no")}),
		pstore.ErrNotSupported)

	records := readAll(t, newTestStore(t, region, cfg))
	require.Len(t, records, 1)
	assert.Equal(t, pstore.CategoryUserMsg, records[0].Category)
	assert.Equal(t, "user marker 1\nuser marker 2\n", string(records[0].Buf))
}

func TestStore_EraseFreesZoneForReuse(t *testing.T) {
	region := zone.NewMemRegion(16 * 1024)
	cfg := Config{RecordSize: 4096}
	s := newTestStore(t, region, cfg)

	rec := pstore.Record{Category: pstore.CategoryCrash, Part: 1, Time: time.Now(), Buf: []byte("gone soon")}
	require.NoError(t, s.Write(&rec))

	s2 := newTestStore(t, region, cfg)
	records := readAll(t, s2)
	require.Len(t, records, 1)

	require.NoError(t, s2.Erase(&records[0]))
	assert.Empty(t, readAll(t, s2))

	// And the zone is empty after another remount too.
	assert.Empty(t, readAll(t, newTestStore(t, region, cfg)))
}

func TestStore_ECCNoticeAccompaniesRecords(t *testing.T) {
	region := zone.NewMemRegion(32 * 1024)
	cfg := Config{RecordSize: 8192, ECC: ecc.Config{BlockSize: 128, ParitySize: 16}}
	s := newTestStore(t, region, cfg)

	rec := pstore.Record{Category: pstore.CategoryCrash, Part: 1, Time: time.Now(), Buf: []byte("protected payload")}
	require.NoError(t, s.Write(&rec))

	// Flip one byte inside the first zone's data area.
	region.Data()[12+30] ^= 0xff

	records := readAll(t, newTestStore(t, region, cfg))
	require.Len(t, records, 1)
	assert.Equal(t, []byte("protected payload"), records[0].Buf)
	assert.Contains(t, records[0].Notice, "Corrected bytes")

	s3 := newTestStore(t, region, cfg)
	_ = readAll(t, s3)
	assert.GreaterOrEqual(t, s3.CorrectedBytes(), 0)
}

func TestStore_RoundsSizesDownToPowerOfTwo(t *testing.T) {
	region := zone.NewMemRegion(32 * 1024)
	s := newTestStore(t, region, Config{RecordSize: 5000, ConsoleSize: 6000})
	assert.Equal(t, 4096, s.config.RecordSize)
	assert.Equal(t, 4096, s.config.ConsoleSize)
}
