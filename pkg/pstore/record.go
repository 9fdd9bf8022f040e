// Package pstore implements the persistent record store: a registry that
// accepts one storage backend at a time, captures crash output through it on
// the failure path, drains previously stored records at attach time, and
// hands them to a presentation layer for inspection and removal.
package pstore

import (
	"fmt"
	"time"
)

// Category identifies what kind of record a zone or entry holds. Values
// double as the signature salt so zones of different categories never
// validate against each other.
type Category int

const (
	CategoryCrash Category = iota
	CategoryConsole
	CategoryTrace
	CategoryUserMsg
	categoryMax
)

var categoryNames = [categoryMax]string{
	CategoryCrash:   "crash",
	CategoryConsole: "console",
	CategoryTrace:   "trace",
	CategoryUserMsg: "usermsg",
}

// Name returns the short name used in entry names and logs.
func (c Category) Name() string {
	if c < 0 || c >= categoryMax {
		return "unknown"
	}
	return categoryNames[c]
}

// Salt returns the per-category signature salt.
func (c Category) Salt() uint32 {
	return uint32(c)
}

// Reason describes why a crash dump was triggered. Ordering matters: a
// backend declares the maximum reason it stores, and anything beyond it is
// skipped.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonPanic
	ReasonOops
	ReasonEmerg
	ReasonShutdown
	reasonMax
)

var reasonNames = [reasonMax]string{
	ReasonUnknown:  "Unknown",
	ReasonPanic:    "Panic",
	ReasonOops:     "Oops",
	ReasonEmerg:    "Emergency",
	ReasonShutdown: "Shutdown",
}

func (r Reason) String() string {
	if r < 0 || r >= reasonMax {
		return "Unknown"
	}
	return reasonNames[r]
}

// CannotBlock reports whether capture for this reason runs in a context that
// must not wait on a lock.
func (r Reason) CannotBlock() bool {
	return r == ReasonPanic || r == ReasonEmerg
}

// Flags advertises which categories a backend stores.
type Flags uint32

const (
	FlagCrash Flags = 1 << iota
	FlagConsole
	FlagTrace
	FlagUserMsg
)

// Has reports whether the backend accepts the given category.
func (f Flags) Has(c Category) bool {
	switch c {
	case CategoryCrash:
		return f&FlagCrash != 0
	case CategoryConsole:
		return f&FlagConsole != 0
	case CategoryTrace:
		return f&FlagTrace != 0
	case CategoryUserMsg:
		return f&FlagUserMsg != 0
	}
	return false
}

// Errors
var (
	ErrBusy         = &StoreError{"backend already registered"}
	ErrNoBackend    = &StoreError{"no backend registered"}
	ErrBadBackend   = &StoreError{"backend misses required hooks"}
	ErrRetryLater   = &StoreError{"backend busy, retry later"}
	ErrSkipZone     = &StoreError{"no zone available for this record"}
	ErrExists       = &StoreError{"record already present"}
	ErrNotSupported = &StoreError{"operation not supported by backend"}
)

// StoreError represents a record store error
type StoreError struct {
	Message string
}

func (e *StoreError) Error() string {
	return e.Message
}

// Record is one unit of stored data moving between the registry, a backend
// and the presentation layer.
type Record struct {
	Category Category
	ID       uint64
	Time     time.Time

	// Buf holds the payload. On the write path the registry owns it; on
	// the read path the backend hands over an independent copy.
	Buf []byte

	// Notice is diagnostic text the backend appends after the payload on
	// read-back, such as ECC statistics. Never compressed.
	Notice string

	Compressed bool
	Reason     Reason
	Count      int // crash event counter at capture time
	Part       int // part number within one crash event, 1 is newest
	CPU        int // originating CPU for trace records

	Backend string

	// Priv carries backend-private state between Read and Erase.
	Priv any
}

// Name returns the presentation name for the record:
// <category>-<backend>-<id>, with ".enc.z" appended while the payload is
// still compressed.
func (r *Record) Name() string {
	ext := ""
	if r.Compressed {
		ext = ".enc.z"
	}
	return fmt.Sprintf("%s-%s-%d%s", r.Category.Name(), r.Backend, r.ID, ext)
}
