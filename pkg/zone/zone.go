package zone

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ssargent/muninn/pkg/ecc"
)

// Magic value identifying a zone header, stored XORed with a small
// per-category salt so zones of different categories never validate against
// each other's leftovers.
const SigMagic uint32 = 0x43474244 // "DBGC"

// Header layout: signature, start offset, valid length; all u32
// little-endian. The header is followed by the data area, the per-block
// parity area and one whole-header parity group.
const (
	sigOff    = 0
	startOff  = 4
	sizeOff   = 8
	headerLen = 12
)

// Flags controls zone behavior.
type Flags uint32

const (
	// NoLock skips the cursor lock. Only valid for zones with inherently
	// disjoint writers, such as one trace zone per CPU.
	NoLock Flags = 1 << iota
	// ZapOld wipes live contents after the mount-time snapshot, for
	// single-use zones that must not leak data across collection cycles.
	ZapOld
)

// Errors
var (
	ErrTooSmall = &ZoneError{"zone too small"}
	ErrNoRoom   = &ZoneError{"no room in region"}
)

// ZoneError represents a zone setup or access error
type ZoneError struct {
	Message string
}

func (e *ZoneError) Error() string {
	return e.Message
}

// Zone is one power-failure-safe circular buffer over a sub-range of a
// mapped region. The header and parity areas live inside the same range, so
// everything a zone needs to recover after a restart is in the region
// itself.
type Zone struct {
	label string
	sig   uint32
	flags Flags
	buf   []byte // header + data + parity
	base  uint64 // physical address, diagnostics only

	usable int // data bytes available to the ring

	codec     *ecc.Codec
	eccSize   int
	eccBlocks int
	parOff    int // offset of the block parity area within buf
	parHdrOff int // offset of the header parity group

	correctedBytes int
	badBlocks      int

	mu  sync.Mutex
	old []byte // snapshot of logical contents, nil until taken

	log zerolog.Logger
}

// New attaches a zone to buf, a sub-range of a mapped region. A matching
// signature with sane cursors preserves the previous contents and snapshots
// them; anything else resets the zone to empty. ECC setup failure degrades
// the zone to unprotected operation rather than failing the mount.
func New(buf []byte, base uint64, salt uint32, eccCfg ecc.Config, flags Flags, label string, log zerolog.Logger) (*Zone, error) {
	if len(buf) <= headerLen {
		return nil, fmt.Errorf("%q: %d bytes: %w", label, len(buf), ErrTooSmall)
	}
	z := &Zone{
		label:  label,
		sig:    SigMagic ^ salt,
		flags:  flags,
		buf:    buf,
		base:   base,
		usable: len(buf) - headerLen,
		log:    log.With().Str("zone", label).Logger(),
	}
	z.initECC(eccCfg)
	z.mount()
	z.log.Debug().
		Int("size", len(buf)).
		Int("usable", z.usable).
		Int("ecc", z.eccSize).
		Msg("attached zone")
	return z, nil
}

func (z *Zone) initECC(cfg ecc.Config) {
	if cfg.ParitySize == 0 {
		return
	}
	codec, err := ecc.New(cfg)
	if err != nil {
		z.log.Warn().Err(err).Msg("ECC setup failed, zone runs unprotected")
		return
	}
	eccSize := codec.ParitySize()
	blockSize := codec.BlockSize()
	eccBlocks := (z.usable - eccSize + blockSize + eccSize - 1) / (blockSize + eccSize)
	eccTotal := (eccBlocks + 1) * eccSize
	if eccTotal >= z.usable {
		z.log.Warn().
			Int("ecc_total", eccTotal).
			Int("usable", z.usable).
			Msg("ECC would consume the whole zone, running unprotected")
		return
	}
	z.codec = codec
	z.eccSize = eccSize
	z.eccBlocks = eccBlocks
	z.usable -= eccTotal
	z.parOff = headerLen + z.usable
	z.parHdrOff = z.parOff + eccBlocks*eccSize

	// The header has its own parity group so cursor corruption is
	// independently detectable.
	n, err := z.codec.Decode(z.buf[:headerLen], z.buf[z.parHdrOff:z.parHdrOff+z.eccSize])
	if err != nil {
		z.log.Info().Msg("uncorrectable error in zone header")
		z.badBlocks++
	} else if n > 0 {
		z.log.Info().Int("corrected", n).Msg("corrected error in zone header")
		z.correctedBytes += n
	}
}

func (z *Zone) mount() {
	zap := z.flags&ZapOld != 0
	if z.readSig() == z.sig {
		size := int(z.size())
		start := int(z.start())
		switch {
		case size == 0:
			z.log.Debug().Msg("found existing empty buffer")
			return
		case size > z.usable || start > size:
			z.log.Info().Int("size", size).Int("start", start).
				Msg("found existing invalid buffer")
			zap = true
		default:
			z.log.Debug().Int("size", size).Int("start", start).
				Msg("found existing buffer")
			z.SaveSnapshot()
		}
	} else {
		z.log.Debug().Uint32("sig", z.readSig()).Msg("no valid data in buffer")
		z.writeSig(z.sig)
		zap = true
	}
	if zap {
		z.Reset()
	}
}

// Label returns the zone's label.
func (z *Zone) Label() string { return z.label }

// UsableSize returns the data capacity in bytes after header and parity.
func (z *Zone) UsableSize() int { return z.usable }

// CorrectedBytes returns the cumulative count of ECC-corrected bytes.
func (z *Zone) CorrectedBytes() int { return z.correctedBytes }

// BadBlocks returns the cumulative count of unrecoverable blocks.
func (z *Zone) BadBlocks() int { return z.badBlocks }

func (z *Zone) readSig() uint32     { return binary.LittleEndian.Uint32(z.buf[sigOff:]) }
func (z *Zone) writeSig(sig uint32) { binary.LittleEndian.PutUint32(z.buf[sigOff:], sig) }

func (z *Zone) start() uint32 { return binary.LittleEndian.Uint32(z.buf[startOff:]) }
func (z *Zone) size() uint32  { return binary.LittleEndian.Uint32(z.buf[sizeOff:]) }

func (z *Zone) setStart(v uint32) { binary.LittleEndian.PutUint32(z.buf[startOff:], v) }
func (z *Zone) setSize(v uint32)  { binary.LittleEndian.PutUint32(z.buf[sizeOff:], v) }

// startAdd advances the start cursor by a, wrapping modulo the usable size,
// and returns the old value.
func (z *Zone) startAdd(a int) int {
	if z.flags&NoLock == 0 {
		z.mu.Lock()
		defer z.mu.Unlock()
	}
	old := int(z.start())
	z.setStart(uint32((old + a) % z.usable))
	return old
}

// sizeAdd grows the valid-length cursor by a, saturating at the usable size.
func (z *Zone) sizeAdd(a int) {
	if z.flags&NoLock == 0 {
		z.mu.Lock()
		defer z.mu.Unlock()
	}
	old := int(z.size())
	if old == z.usable {
		return
	}
	n := old + a
	if n > z.usable {
		n = z.usable
	}
	z.setSize(uint32(n))
}

// update copies s into the data area at off and recomputes parity for the
// touched blocks.
func (z *Zone) update(s []byte, off int) {
	copy(z.buf[headerLen+off:], s)
	z.updateECC(off, len(s))
}

// updateECC recomputes block parity for the physical byte range
// [start, start+count).
func (z *Zone) updateECC(start, count int) {
	if z.codec == nil || count == 0 {
		return
	}
	blockSize := z.codec.BlockSize()
	blk := (start / blockSize) * blockSize
	par := z.parOff + (start/blockSize)*z.eccSize
	for blk < start+count {
		n := blockSize
		if blk+n > z.usable {
			n = z.usable - blk
		}
		_ = z.codec.Encode(z.buf[headerLen+blk:headerLen+blk+n], z.buf[par:par+z.eccSize])
		blk += blockSize
		par += z.eccSize
	}
}

func (z *Zone) updateHeaderECC() {
	if z.codec == nil {
		return
	}
	_ = z.codec.Encode(z.buf[:headerLen], z.buf[z.parHdrOff:z.parHdrOff+z.eccSize])
}

// Append writes p into the ring. If p exceeds the usable size only its
// trailing usable-size bytes are kept; the start cursor still advances as if
// every byte had been written, so logical ordering is chunking-invariant.
// Returns the number of bytes accepted (always len(p)).
func (z *Zone) Append(p []byte) int {
	count := len(p)
	if count == 0 {
		return 0
	}
	c := count
	z.sizeAdd(min(c, z.usable))
	old := z.startAdd(count % z.usable)
	off := old
	if c > z.usable {
		p = p[c-z.usable:]
		c = z.usable
		off = (old + count) % z.usable
	}
	if rem := z.usable - off; rem < c {
		z.update(p[:rem], off)
		p = p[rem:]
		c -= rem
		off = 0
	}
	z.update(p, off)
	z.updateHeaderECC()
	return count
}

// AppendFrom pulls count bytes from an external, potentially faulting source
// and appends them. A short read aborts the write but parity is still
// recomputed for whatever was copied.
func (z *Zone) AppendFrom(r io.Reader, count int) (int, error) {
	if count == 0 {
		return 0, nil
	}
	c := count
	if c > z.usable {
		// Only the trailing usable bytes are kept; skip the rest.
		if _, err := io.CopyN(io.Discard, r, int64(c-z.usable)); err != nil {
			return 0, fmt.Errorf("failed to read external source: %w", err)
		}
		c = z.usable
	}
	z.sizeAdd(c)
	old := z.startAdd(count % z.usable)
	off := old
	if count > z.usable {
		off = (old + count) % z.usable
	}
	var copyErr error
	if rem := z.usable - off; rem < c {
		n, err := io.ReadFull(r, z.buf[headerLen+off:headerLen+off+rem])
		z.updateECC(off, n)
		if err != nil {
			copyErr = err
		} else {
			off = 0
			c -= rem
			n, err = io.ReadFull(r, z.buf[headerLen:headerLen+c])
			z.updateECC(0, n)
			copyErr = err
		}
	} else {
		n, err := io.ReadFull(r, z.buf[headerLen+off:headerLen+off+c])
		z.updateECC(off, n)
		copyErr = err
	}
	z.updateHeaderECC()
	if copyErr != nil {
		return 0, fmt.Errorf("failed to read external source: %w", copyErr)
	}
	return count, nil
}

// eccScrub runs correction over the live physical blocks before a snapshot
// is taken, counting corrected bytes and unrecoverable blocks.
func (z *Zone) eccScrub() {
	if z.codec == nil {
		return
	}
	blockSize := z.codec.BlockSize()
	size := int(z.size())
	par := z.parOff
	for blk := 0; blk < size; blk += blockSize {
		n := blockSize
		if blk+n > z.usable {
			n = z.usable - blk
		}
		numerr, err := z.codec.Decode(z.buf[headerLen+blk:headerLen+blk+n], z.buf[par:par+z.eccSize])
		if err != nil {
			z.log.Debug().Int("block", blk).Msg("uncorrectable error in block")
			z.badBlocks++
		} else if numerr > 0 {
			z.log.Debug().Int("block", blk).Int("corrected", numerr).Msg("corrected block")
			z.correctedBytes += numerr
		}
		par += z.eccSize
	}
}

// SaveSnapshot captures the zone's logical (unwrapped) contents into an
// independent buffer. The first call runs an ECC scrub over the live region;
// subsequent calls are no-ops until the snapshot is freed.
func (z *Zone) SaveSnapshot() {
	if z.old != nil {
		return
	}
	size := int(z.size())
	if size == 0 {
		return
	}
	z.eccScrub()
	start := int(z.start())
	old := make([]byte, size)
	n := copy(old, z.buf[headerLen+start:headerLen+size])
	copy(old[n:], z.buf[headerLen:headerLen+start])
	z.old = old
}

// Old returns the snapshot taken by SaveSnapshot, or nil.
func (z *Zone) Old() []byte { return z.old }

// OldSize returns the snapshot length in bytes.
func (z *Zone) OldSize() int { return len(z.old) }

// FreeOld drops the snapshot so a later SaveSnapshot captures fresh
// contents.
func (z *Zone) FreeOld() { z.old = nil }

// Reset empties the zone: cursors to zero, header parity recomputed. Used
// for first-time initialization and to wipe single-use zones between
// collection cycles. Idempotent.
func (z *Zone) Reset() {
	z.setStart(0)
	z.setSize(0)
	z.updateHeaderECC()
}

// ECCString renders the corrected/unrecoverable counters as the short
// diagnostic notice appended after a record's payload on read-back. Empty
// when the zone runs without ECC.
func (z *Zone) ECCString() string {
	if z.codec == nil {
		return ""
	}
	if z.correctedBytes > 0 || z.badBlocks > 0 {
		return fmt.Sprintf("\nECC: %d Corrected bytes, %d unrecoverable blocks\n",
			z.correctedBytes, z.badBlocks)
	}
	return "\nECC: No errors detected\n"
}

// AddCounters merges another zone's ECC counters into this one. Used when
// per-CPU zones are presented as a single record.
func (z *Zone) AddCounters(other *Zone) {
	z.correctedBytes += other.correctedBytes
	z.badBlocks += other.badBlocks
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
