package view

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/muninn/pkg/pstore"
)

func crashRecord(id uint64, text string) *pstore.Record {
	return &pstore.Record{
		Category: pstore.CategoryCrash,
		ID:       id,
		Time:     time.Unix(1700000000, 0),
		Buf:      []byte(text),
		Reason:   pstore.ReasonOops,
		Backend:  "ramstore",
	}
}

func TestTree_AddAndList(t *testing.T) {
	tree := NewTree(zerolog.Nop())

	require.NoError(t, tree.AddRecord(crashRecord(1, "boom")))
	require.NoError(t, tree.AddRecord(crashRecord(0, "earlier boom")))
	require.NoError(t, tree.AddRecord(&pstore.Record{
		Category: pstore.CategoryConsole, Backend: "ramstore", Buf: []byte("chatter"),
	}))

	infos := tree.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "console-ramstore-0", infos[0].Name)
	assert.Equal(t, "crash-ramstore-0", infos[1].Name)
	assert.Equal(t, "crash-ramstore-1", infos[2].Name)
	assert.Equal(t, "Oops", infos[1].Reason)
	assert.Empty(t, infos[0].Reason)
}

func TestTree_DuplicateIsRejected(t *testing.T) {
	tree := NewTree(zerolog.Nop())
	require.NoError(t, tree.AddRecord(crashRecord(1, "boom")))
	assert.ErrorIs(t, tree.AddRecord(crashRecord(1, "boom again")), pstore.ErrExists)
	assert.Equal(t, 1, tree.Len())
}

func TestTree_ContentIncludesNotice(t *testing.T) {
	tree := NewTree(zerolog.Nop())
	rec := crashRecord(2, "payload")
	rec.Notice = "\nECC: No errors detected\n"
	require.NoError(t, tree.AddRecord(rec))

	content, err := tree.Content("crash-ramstore-2")
	require.NoError(t, err)
	assert.Equal(t, "payload\nECC: No errors detected\n", string(content))
}

func TestTree_OpenMissing(t *testing.T) {
	tree := NewTree(zerolog.Nop())
	_, err := tree.Open("crash-ramstore-9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTree_RemoveHandsRecordBack(t *testing.T) {
	tree := NewTree(zerolog.Nop())
	require.NoError(t, tree.AddRecord(crashRecord(3, "to erase")))

	rec, err := tree.Remove("crash-ramstore-3")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.ID)
	assert.Equal(t, pstore.CategoryCrash, rec.Category)

	_, err = tree.Remove("crash-ramstore-3")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, tree.Len())
}

func TestTree_RemoveBackendWithdrawsAll(t *testing.T) {
	tree := NewTree(zerolog.Nop())
	require.NoError(t, tree.AddRecord(crashRecord(1, "a")))
	require.NoError(t, tree.AddRecord(crashRecord(2, "b")))
	other := crashRecord(1, "c")
	other.Backend = "pebble"
	require.NoError(t, tree.AddRecord(other))

	tree.RemoveBackend("ramstore")
	infos := tree.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "crash-pebble-1", infos[0].Name)
}

func TestTree_CompressedNameKeepsExtension(t *testing.T) {
	tree := NewTree(zerolog.Nop())
	rec := crashRecord(5, "opaque")
	rec.Compressed = true
	require.NoError(t, tree.AddRecord(rec))

	_, err := tree.Open("crash-ramstore-5.enc.z")
	assert.NoError(t, err)
}
