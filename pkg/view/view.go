// Package view is the presentation layer: drained records become named
// entries that can be listed, read and removed, the way an operator browses
// recovered crash data after a restart.
package view

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssargent/muninn/pkg/pstore"
)

// Errors
var (
	ErrNotFound = &ViewError{"no such entry"}
)

// ViewError represents a presentation layer error
type ViewError struct {
	Message string
}

func (e *ViewError) Error() string {
	return e.Message
}

// Info describes one entry for listings.
type Info struct {
	Name     string    `json:"name"`
	Category string    `json:"category"`
	Backend  string    `json:"backend"`
	Size     int       `json:"size"`
	Time     time.Time `json:"time"`
	Reason   string    `json:"reason,omitempty"`
	ECC      string    `json:"ecc,omitempty"`
	CPU      int       `json:"cpu,omitempty"`
}

// Tree holds published entries keyed by name. It implements
// pstore.Presenter and is safe for concurrent use.
type Tree struct {
	mu      sync.RWMutex
	entries map[string]*pstore.Record
	log     zerolog.Logger
}

// NewTree returns an empty presenter.
func NewTree(log zerolog.Logger) *Tree {
	return &Tree{entries: map[string]*pstore.Record{}, log: log}
}

// AddRecord implements pstore.Presenter.
func (t *Tree) AddRecord(rec *pstore.Record) error {
	name := rec.Name()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[name]; ok {
		return pstore.ErrExists
	}
	clone := *rec
	clone.Buf = append([]byte(nil), rec.Buf...)
	t.entries[name] = &clone
	t.log.Debug().Str("entry", name).Int("size", len(clone.Buf)).Msg("published entry")
	return nil
}

// RemoveBackend implements pstore.Presenter.
func (t *Tree) RemoveBackend(backend string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, rec := range t.entries {
		if rec.Backend == backend {
			delete(t.entries, name)
		}
	}
}

// Len returns the number of published entries.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// List returns entry descriptions sorted by name.
func (t *Tree) List() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Info, 0, len(t.entries))
	for name, rec := range t.entries {
		info := Info{
			Name:     name,
			Category: rec.Category.Name(),
			Backend:  rec.Backend,
			Size:     len(rec.Buf) + len(rec.Notice),
			Time:     rec.Time,
			ECC:      rec.Notice,
			CPU:      rec.CPU,
		}
		if rec.Category == pstore.CategoryCrash {
			info.Reason = rec.Reason.String()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Open returns the record published under name.
func (t *Tree) Open(name string) (*pstore.Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.entries[name]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Content returns the entry's payload with the backend's diagnostic notice
// appended, the way it is shown to an operator.
func (t *Tree) Content(name string) ([]byte, error) {
	rec, err := t.Open(name)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]byte, 0, len(rec.Buf)+len(rec.Notice))
	out = append(out, rec.Buf...)
	out = append(out, rec.Notice...)
	return out, nil
}

// Remove unpublishes the entry and hands the record back so the caller can
// erase it from the owning backend.
func (t *Tree) Remove(name string) (*pstore.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.entries[name]
	if !ok {
		return nil, ErrNotFound
	}
	delete(t.entries, name)
	t.log.Debug().Str("entry", name).Msg("removed entry")
	return rec, nil
}
