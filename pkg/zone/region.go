// Package zone implements power-failure-safe circular buffers over a raw
// fixed memory region, and the carver that partitions one reserved region
// into independently managed zones. All offset arithmetic against the mapped
// region lives in this package.
package zone

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Region is one reserved memory area, mapped exactly once and owned by the
// carver until partitioned into zones.
type Region struct {
	data   []byte
	base   uint64
	file   *os.File
	mapped bool
}

// MapFile maps size bytes of the file at path, creating and extending it as
// needed. The mapping is shared so zone writes land in the backing file and
// survive a restart.
func MapFile(path string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region size must be positive, got %d", size)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open region file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat region file: %w", err)
	}
	if st.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size region file: %w", err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map region file: %w", err)
	}
	return &Region{data: data, file: f, mapped: true}, nil
}

// NewMemRegion returns an anonymous in-memory region. Contents do not survive
// the process; used for tests and for hosts without a reserved area.
func NewMemRegion(size int) *Region {
	return &Region{data: make([]byte, size)}
}

// Data returns the mapped byte range.
func (r *Region) Data() []byte {
	return r.data
}

// Size returns the region size in bytes.
func (r *Region) Size() int {
	return len(r.data)
}

// Base returns the physical base address the region was configured with.
func (r *Region) Base() uint64 {
	return r.base
}

// SetBase records the physical base address for diagnostics and carving.
func (r *Region) SetBase(base uint64) {
	r.base = base
}

// Sync flushes mapped pages to the backing file.
func (r *Region) Sync() error {
	if !r.mapped {
		return nil
	}
	if err := unix.Msync(r.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("failed to sync region: %w", err)
	}
	return nil
}

// Close releases the mapping and the backing file. Zones carved from the
// region must not be used afterwards.
func (r *Region) Close() error {
	if r.mapped {
		if err := unix.Munmap(r.data); err != nil {
			return fmt.Errorf("failed to unmap region: %w", err)
		}
		r.mapped = false
	}
	r.data = nil
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
