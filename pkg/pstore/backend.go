package pstore

import (
	"io"
)

// Backend is a storage engine for persistent records. Exactly one backend is
// active at a time; the registry serializes all calls except Write, which on
// the crash path may arrive while a reader holds other locks.
type Backend interface {
	// Name identifies the backend in entry names and logs.
	Name() string
	// Flags advertises the categories this backend stores. A backend with
	// no flags is rejected at registration.
	Flags() Flags
	// MaxReason is the most severe... least severe reason the backend
	// still captures. Reasons ordered after it are dropped before Write.
	MaxReason() Reason
	// BufSize returns the largest payload one Write accepts. The registry
	// sizes its staging buffers from this.
	BufSize() int

	// Open prepares a read pass over stored records. Each Open rewinds.
	Open() error
	// Read fills rec with the next stored record and returns its payload
	// length, or io.EOF after the last record.
	Read(rec *Record) (int, error)
	// Write stores rec.Buf. Must not allocate or block on the crash path.
	Write(rec *Record) error
	// Erase removes the stored record identified by rec.
	Erase(rec *Record) error

	Close() error
}

// ExternalWriter is implemented by backends that can pull user payloads
// straight from the source, skipping the registry staging buffer. The
// registry falls back to a buffered copy for backends without it.
type ExternalWriter interface {
	WriteExternal(rec *Record, r io.Reader, n int) error
}

// Presenter receives records drained from a backend and exposes them for
// listing, reading and removal.
type Presenter interface {
	// AddRecord publishes a drained record. ErrExists means the record is
	// already known and must not be counted as a failure.
	AddRecord(rec *Record) error
	// RemoveBackend withdraws every record of the named backend.
	RemoveBackend(backend string)
}

// DumpSource yields the most recent system output for crash capture.
// Rewind bounds iteration to the newest budget bytes (0 means everything
// retained); Next then copies contiguous chunks newest-first into p without
// allocating, so the first chunk captured is the one closest to the
// failure.
type DumpSource interface {
	Rewind(budget int)
	Next(p []byte) (int, bool)
}

// DumpBuffer is an in-memory ring of recent output lines and the default
// DumpSource. Producers append to it continuously; on a crash the registry
// walks the retained window.
type DumpBuffer struct {
	buf  []byte
	used int
	head int // next write position

	lo int // logical offset of the first byte still to hand out
	hi int // logical offset just past the newest unread byte
}

// NewDumpBuffer returns a ring retaining the last size bytes of output.
func NewDumpBuffer(size int) *DumpBuffer {
	return &DumpBuffer{buf: make([]byte, size)}
}

// Write appends p to the ring, dropping the oldest bytes on overflow. Always
// succeeds.
func (d *DumpBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= len(d.buf) {
		copy(d.buf, p[n-len(d.buf):])
		d.head = 0
		d.used = len(d.buf)
		return n, nil
	}
	m := copy(d.buf[d.head:], p)
	copy(d.buf, p[m:])
	d.head = (d.head + n) % len(d.buf)
	d.used += n
	if d.used > len(d.buf) {
		d.used = len(d.buf)
	}
	return n, nil
}

// Len returns the number of retained bytes.
func (d *DumpBuffer) Len() int {
	return d.used
}

// Rewind prepares iteration over at most budget trailing bytes of the
// retained window. A zero budget takes everything retained.
func (d *DumpBuffer) Rewind(budget int) {
	d.hi = d.used
	d.lo = 0
	if budget > 0 && budget < d.used {
		d.lo = d.used - budget
	}
}

// Next copies the newest unread chunk of the window into p. The second
// return is false once the window is exhausted.
func (d *DumpBuffer) Next(p []byte) (int, bool) {
	if d.hi <= d.lo {
		return 0, false
	}
	n := d.hi - d.lo
	if n > len(p) {
		n = len(p)
	}
	// Logical offset 0 is the oldest retained byte.
	off := d.head - d.used + d.hi - n
	if off < 0 {
		off += len(d.buf)
	}
	for i := 0; i < n; i++ {
		p[i] = d.buf[(off+i)%len(d.buf)]
	}
	d.hi -= n
	return n, true
}
