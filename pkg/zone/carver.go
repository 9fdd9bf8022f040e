package zone

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ssargent/muninn/pkg/ecc"
)

// MinRegionSize is the smallest region worth carving; anything smaller
// cannot hold a header, parity and a useful data area.
const MinRegionSize = 4096

// Carver partitions a Region into zones front to back. It owns the cursor;
// callers carve in a fixed order so the layout is reproducible across
// restarts.
type Carver struct {
	region *Region
	cursor int
	ecc    ecc.Config
	log    zerolog.Logger
}

// NewCarver returns a carver over region with the given ECC parameters
// applied to every zone it produces.
func NewCarver(region *Region, eccCfg ecc.Config, log zerolog.Logger) *Carver {
	return &Carver{region: region, ecc: eccCfg, log: log}
}

// Remaining returns the bytes left to carve.
func (c *Carver) Remaining() int {
	return c.region.Size() - c.cursor
}

// One carves a single zone of size bytes. A zero size is a no-op returning
// nil, so optional zones can be requested unconditionally.
func (c *Carver) One(label string, salt uint32, size int, flags Flags) (*Zone, error) {
	if size == 0 {
		return nil, nil
	}
	if size > c.Remaining() {
		return nil, fmt.Errorf("no room for %s mem region (%#x@%#x) in available mem (%#x@%#x)",
			label, size, c.base(), c.Remaining(), c.base())
	}
	z, err := New(c.take(size), c.base(), salt, c.ecc, flags, label, c.log)
	if err != nil {
		return nil, err
	}
	c.cursor += size
	return z, nil
}

// Array carves memSize bytes into equally sized record zones. Either
// recordSize or count may be zero: a zero or negative recordSize derives it
// from count, otherwise count is derived from recordSize. Labels carry the
// index when more than one zone results.
func (c *Carver) Array(label string, salt uint32, memSize, recordSize, count int, flags Flags) ([]*Zone, error) {
	if memSize == 0 {
		return nil, nil
	}
	if recordSize <= 0 {
		if count == 0 {
			return nil, fmt.Errorf("%s: record size and count both unset", label)
		}
		recordSize = memSize / count
	} else {
		count = memSize / recordSize
	}
	if count == 0 {
		return nil, fmt.Errorf("%s: record size %#x larger than area %#x", label, recordSize, memSize)
	}
	if count*recordSize > c.Remaining() {
		return nil, fmt.Errorf("no room for %s mem region (%#x@%#x) in available mem (%#x@%#x)",
			label, count*recordSize, c.base(), c.Remaining(), c.base())
	}

	zones := make([]*Zone, 0, count)
	for i := 0; i < count; i++ {
		zl := label
		if count > 1 {
			zl = fmt.Sprintf("%s(%d/%d)", label, i, count-1)
		}
		z, err := New(c.take(recordSize), c.base(), salt, c.ecc, flags, zl, c.log)
		if err != nil {
			return nil, err
		}
		c.cursor += recordSize
		zones = append(zones, z)
	}
	return zones, nil
}

func (c *Carver) take(size int) []byte {
	return c.region.Data()[c.cursor : c.cursor+size]
}

func (c *Carver) base() uint64 {
	return c.region.Base() + uint64(c.cursor)
}

// RoundDownPow2 rounds v down to the nearest power of two. Zone sizes must
// be powers of two so carve layouts stay aligned; callers round and warn
// rather than reject.
func RoundDownPow2(v int) int {
	if v <= 0 {
		return 0
	}
	p := 1
	for p <= v/2 {
		p <<= 1
	}
	return p
}
