package ecc

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_Defaults(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)

	cfg := c.Config()
	assert.Equal(t, 128, cfg.BlockSize)
	assert.Equal(t, 16, cfg.ParitySize)
	assert.Equal(t, 8, cfg.SymbolWidth)
	assert.Equal(t, 0x11d, cfg.Poly)
}

func TestCodec_RejectsBadConfig(t *testing.T) {
	_, err := New(Config{SymbolWidth: 1})
	assert.ErrorIs(t, err, ErrBadConfig)

	_, err = New(Config{BlockSize: 250, ParitySize: 16})
	assert.ErrorIs(t, err, ErrBadConfig)

	_, err = New(Config{Poly: 0x11e})
	assert.ErrorIs(t, err, ErrBadConfig)
}

func TestCodec_CleanRoundTrip(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)

	data := make([]byte, 128)
	for i := range data {
		data[i] = byte(i * 7)
	}
	par := make([]byte, c.ParitySize())
	require.NoError(t, c.Encode(data, par))

	corrected, err := c.Decode(data, par)
	require.NoError(t, err)
	assert.Equal(t, 0, corrected)
}

func TestCodec_CorrectsInjectedErrors(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		data := make([]byte, 128)
		rng.Read(data)
		orig := append([]byte(nil), data...)

		par := make([]byte, c.ParitySize())
		require.NoError(t, c.Encode(data, par))

		// Flip up to t = parity/2 distinct data bytes.
		nerr := 1 + rng.Intn(c.ParitySize()/2)
		flipped := map[int]bool{}
		for len(flipped) < nerr {
			pos := rng.Intn(len(data))
			if flipped[pos] {
				continue
			}
			flipped[pos] = true
			data[pos] ^= byte(1 + rng.Intn(255))
		}

		corrected, err := c.Decode(data, par)
		require.NoError(t, err, "trial %d with %d errors", trial, nerr)
		assert.Equal(t, nerr, corrected, "trial %d", trial)
		assert.True(t, bytes.Equal(orig, data), "trial %d: data not restored", trial)
	}
}

func TestCodec_CorrectsParityErrors(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)

	data := []byte("the quick brown fox jumps over the lazy dog")
	orig := append([]byte(nil), data...)
	par := make([]byte, c.ParitySize())
	require.NoError(t, c.Encode(data, par))

	par[3] ^= 0x5a
	data[10] ^= 0xff

	corrected, err := c.Decode(data, par)
	require.NoError(t, err)
	assert.Equal(t, 2, corrected)
	assert.Equal(t, orig, data)
}

func TestCodec_UncorrectableIsDetected(t *testing.T) {
	c, err := New(Config{BlockSize: 128, ParitySize: 4})
	require.NoError(t, err)

	data := make([]byte, 128)
	for i := range data {
		data[i] = byte(i)
	}
	par := make([]byte, c.ParitySize())
	require.NoError(t, c.Encode(data, par))

	// Capacity is 2; 6 spread-out errors must never be reported corrected.
	for _, pos := range []int{0, 20, 40, 60, 80, 100} {
		data[pos] ^= 0xa5
	}
	_, err = c.Decode(data, par)
	assert.ErrorIs(t, err, ErrUncorrectable)
}

func TestCodec_ShortTrailingBlock(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)

	data := []byte("short block")
	orig := append([]byte(nil), data...)
	par := make([]byte, c.ParitySize())
	require.NoError(t, c.Encode(data, par))

	data[2] ^= 0x10
	corrected, err := c.Decode(data, par)
	require.NoError(t, err)
	assert.Equal(t, 1, corrected)
	assert.Equal(t, orig, data)
}

func TestCodec_SmallerField(t *testing.T) {
	// GF(2^4) with x^4+x+1; block must fit in 15 symbols.
	c, err := New(Config{BlockSize: 9, ParitySize: 4, SymbolWidth: 4, Poly: 0x13})
	require.NoError(t, err)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}
	orig := append([]byte(nil), data...)
	par := make([]byte, c.ParitySize())
	require.NoError(t, c.Encode(data, par))

	data[4] ^= 0x0c
	corrected, err := c.Decode(data, par)
	require.NoError(t, err)
	assert.Equal(t, 1, corrected)
	assert.Equal(t, orig, data)
}
