package pebblestore

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/muninn/pkg/pstore"
)

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, Config{}, zerolog.Nop())
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

func TestStore_CrashRecordsGetSequentialIDs(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	for i, text := range []string{"first", "second", "third"} {
		rec := pstore.Record{
			Category: pstore.CategoryCrash,
			Time:     time.Unix(int64(1700000000+i), 0),
			Buf:      []byte(text),
		}
		require.NoError(t, s.Write(&rec))
		assert.Equal(t, uint64(i), rec.ID)
	}

	records := readAll(t, s)
	require.Len(t, records, 3)
	assert.Equal(t, []byte("first"), records[0].Buf)
	assert.Equal(t, []byte("third"), records[2].Buf)
	assert.Equal(t, int64(1700000002), records[2].Time.Unix())
}

func TestStore_SequencesSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	s := newTestStore(t, dir)
	rec := pstore.Record{Category: pstore.CategoryCrash, Time: time.Now(), Buf: []byte("before restart")}
	require.NoError(t, s.Write(&rec))
	require.NoError(t, s.Close())

	s = newTestStore(t, dir)
	defer s.Close()
	rec = pstore.Record{Category: pstore.CategoryCrash, Time: time.Now(), Buf: []byte("after restart")}
	require.NoError(t, s.Write(&rec))
	assert.Equal(t, uint64(1), rec.ID)

	records := readAll(t, s)
	assert.Len(t, records, 2)
}

func TestStore_ConsoleAccumulates(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	for _, line := range []string{"one\n", "two\n", "three\n"} {
		require.NoError(t, s.Write(&pstore.Record{
			Category: pstore.CategoryConsole,
			Time:     time.Now(),
			Buf:      []byte(line),
		}))
	}

	records := readAll(t, s)
	require.Len(t, records, 1)
	assert.Equal(t, pstore.CategoryConsole, records[0].Category)
	assert.Equal(t, "one\ntwo\nthree\n", string(records[0].Buf))
}

func TestStore_TraceKeyedByCPU(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Write(&pstore.Record{Category: pstore.CategoryTrace, CPU: 0, Time: time.Now(), Buf: []byte("a")}))
	require.NoError(t, s.Write(&pstore.Record{Category: pstore.CategoryTrace, CPU: 1, Time: time.Now(), Buf: []byte("b")}))
	require.NoError(t, s.Write(&pstore.Record{Category: pstore.CategoryTrace, CPU: 0, Time: time.Now(), Buf: []byte("c")}))

	records := readAll(t, s)
	require.Len(t, records, 2)
	assert.Equal(t, "ac", string(records[0].Buf))
	assert.Equal(t, 0, records[0].CPU)
	assert.Equal(t, "b", string(records[1].Buf))
}

func TestStore_EraseRemovesRecord(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	rec := pstore.Record{Category: pstore.CategoryCrash, Time: time.Now(), Buf: []byte("doomed")}
	require.NoError(t, s.Write(&rec))
	keep := pstore.Record{Category: pstore.CategoryCrash, Time: time.Now(), Buf: []byte("kept")}
	require.NoError(t, s.Write(&keep))

	records := readAll(t, s)
	require.Len(t, records, 2)
	require.NoError(t, s.Erase(&records[0]))

	records = readAll(t, s)
	require.Len(t, records, 1)
	assert.Equal(t, []byte("kept"), records[0].Buf)
}

func TestStore_CompressedFlagRoundTrips(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	rec := pstore.Record{
		Category:   pstore.CategoryCrash,
		Time:       time.Now(),
		Buf:        []byte{1, 2, 3},
		Compressed: true,
	}
	require.NoError(t, s.Write(&rec))

	records := readAll(t, s)
	require.Len(t, records, 1)
	assert.True(t, records[0].Compressed)
}

func TestStore_AdvertisesEverything(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	for _, cat := range []pstore.Category{
		pstore.CategoryCrash, pstore.CategoryConsole,
		pstore.CategoryTrace, pstore.CategoryUserMsg,
	} {
		assert.True(t, s.Flags().Has(cat))
	}
	assert.Equal(t, pstore.ReasonShutdown, s.MaxReason())
	assert.Equal(t, 64*1024, s.BufSize())
}
