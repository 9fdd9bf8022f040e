package pstore

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssargent/muninn/pkg/compress"
)

// drainLoopCap bounds one read pass so a backend stuck returning records
// cannot wedge the registry.
const drainLoopCap = 65536

// Options configures a Registry.
type Options struct {
	// Compression names the codec applied to crash payloads before they
	// reach the backend: "zstd", "deflate", "snappy" or "none".
	Compression string
	// KmsgBytes bounds the total payload captured per crash event. Zero
	// disables crash capture entirely.
	KmsgBytes int
	// UpdateInterval is how often the registry checks for records written
	// since the last drain. Zero disables the periodic check.
	UpdateInterval time.Duration

	Logger zerolog.Logger
}

// Registry owns the single active backend, stages crash output into it and
// drains stored records to the presenter.
type Registry struct {
	mu      sync.Mutex // registration state
	readMu  sync.Mutex // serializes read passes
	dumpMu  sync.Mutex // staging buffers; TryLock on non-blocking paths
	backend Backend

	presenter Presenter
	source    DumpSource
	codec     compress.Codec

	// Staging, allocated at registration so the dump loop never
	// allocates. sbuf is sized to the backend's largest write; zbuf is
	// the oversized capture area used when compressing.
	sbuf []byte
	zbuf []byte

	kmsgBytes      int
	updateInterval time.Duration

	oopsCount int
	newEntry  atomic.Bool

	dumped  atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64

	stop chan struct{}
	kick chan struct{}
	wg   sync.WaitGroup

	log zerolog.Logger
}

// NewRegistry returns a registry draining into presenter and capturing crash
// output from source. Both may be nil: a nil presenter drops drained
// records, a nil source disables crash capture.
func NewRegistry(presenter Presenter, source DumpSource, opts Options) (*Registry, error) {
	codec, err := compress.ByName(opts.Compression)
	if err != nil {
		return nil, err
	}
	return &Registry{
		presenter:      presenter,
		source:         source,
		codec:          codec,
		kmsgBytes:      opts.KmsgBytes,
		updateInterval: opts.UpdateInterval,
		kick:           make(chan struct{}, 1),
		log:            opts.Logger,
	}, nil
}

// Register installs b as the active backend, drains its stored records into
// the presenter and starts the periodic update check. Only one backend can
// be active; a second registration returns ErrBusy.
func (r *Registry) Register(b Backend) error {
	if b.Flags() == 0 {
		return fmt.Errorf("%s: declares no categories: %w", b.Name(), ErrBadBackend)
	}
	if b.BufSize() <= 0 {
		return fmt.Errorf("%s: zero write buffer: %w", b.Name(), ErrBadBackend)
	}

	r.mu.Lock()
	if r.backend != nil {
		r.mu.Unlock()
		return fmt.Errorf("%s: %s is active: %w", b.Name(), r.backend.Name(), ErrBusy)
	}
	r.backend = b
	r.sbuf = make([]byte, b.BufSize())
	if r.codec != nil {
		r.zbuf = make([]byte, r.codec.Bound(b.BufSize()))
	}
	r.mu.Unlock()

	r.Drain()

	if r.updateInterval > 0 {
		r.stop = make(chan struct{})
		r.wg.Add(1)
		go r.updateLoop()
	}

	r.log.Info().
		Str("backend", b.Name()).
		Str("compression", r.compressionName()).
		Msg("registered persistent store backend")
	return nil
}

// Unregister detaches the active backend: the update loop is stopped and
// flushed, the presenter withdraws the backend's records, and the backend is
// closed.
func (r *Registry) Unregister() error {
	r.mu.Lock()
	b := r.backend
	if b == nil {
		r.mu.Unlock()
		return ErrNoBackend
	}
	r.backend = nil
	r.mu.Unlock()

	if r.stop != nil {
		close(r.stop)
		r.wg.Wait()
		r.stop = nil
	}
	if r.presenter != nil {
		r.presenter.RemoveBackend(b.Name())
	}
	err := b.Close()

	r.dumpMu.Lock()
	r.sbuf = nil
	r.zbuf = nil
	r.dumpMu.Unlock()

	r.log.Info().Str("backend", b.Name()).Msg("unregistered persistent store backend")
	return err
}

// Backend returns the active backend, or nil.
func (r *Registry) Backend() Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backend
}

func (r *Registry) compressionName() string {
	if r.codec == nil {
		return "none"
	}
	return r.codec.Name()
}

// Stats reports cumulative write-path counters: records stored, failed
// writes, and records dropped before reaching the backend.
func (r *Registry) Stats() (dumped, failed, dropped uint64) {
	return r.dumped.Load(), r.failed.Load(), r.dropped.Load()
}

// Dump captures the most recent system output into the backend as one crash
// event. Output is split into parts of at most the backend's buffer size,
// newest first, until the capture budget is spent. Panic-like reasons never
// block: if the staging buffers are held elsewhere the dump is dropped with
// ErrRetryLater rather than deadlocking the failure path.
func (r *Registry) Dump(reason Reason) error {
	b := r.Backend()
	if b == nil {
		return ErrNoBackend
	}
	if r.source == nil || r.kmsgBytes <= 0 {
		return nil
	}
	if reason > b.MaxReason() {
		r.log.Debug().Stringer("reason", reason).Msg("reason beyond backend maximum, skipping dump")
		return nil
	}

	if reason.CannotBlock() {
		if !r.dumpMu.TryLock() {
			r.dropped.Add(1)
			r.log.Warn().Stringer("reason", reason).
				Msg("dump skipped because another capture holds the buffers")
			return ErrRetryLater
		}
	} else {
		r.dumpMu.Lock()
	}
	defer r.dumpMu.Unlock()

	r.oopsCount++
	oopsCount := r.oopsCount

	// With compression enabled, capture into the oversized buffer and
	// compress down into the write buffer; otherwise capture straight
	// into the write buffer.
	capture := r.sbuf
	if r.codec != nil {
		capture = r.zbuf
	}

	r.source.Rewind(r.kmsgBytes)

	rec := Record{Category: CategoryCrash, Reason: reason, Count: oopsCount}
	total := 0
	saved := 0
	for part := 1; total < r.kmsgBytes; part++ {
		header := fmt.Appendf(capture[:0], "%s#%d Part%d\n", reason, oopsCount, part)
		hsize := len(header)

		n, ok := r.source.Next(capture[hsize:])
		if !ok {
			break
		}
		size := hsize + n

		rec.Buf = capture[:size]
		rec.Compressed = false
		if r.codec != nil {
			zsize, err := r.codec.Compress(r.sbuf, capture[:size])
			if err == nil {
				rec.Buf = r.sbuf[:zsize]
				rec.Compressed = true
			} else {
				size = r.copyToWriteBuffer(hsize, size)
				rec.Buf = r.sbuf[:size]
			}
		}
		rec.Time = time.Now()
		rec.Part = part

		err := b.Write(&rec)
		switch {
		case err == nil:
			saved++
			r.dumped.Add(1)
			if reason == ReasonOops {
				r.newEntry.Store(true)
				r.kickUpdate()
			}
		case errors.Is(err, ErrSkipZone):
			// The backend stores a bounded number of parts; extra
			// parts are expected casualties.
		default:
			r.failed.Add(1)
			r.log.Error().Err(err).Int("part", part).Msg("backend write failed")
		}
		total += len(rec.Buf)
	}
	r.log.Info().
		Stringer("reason", reason).
		Int("event", oopsCount).
		Int("parts", saved).
		Msg("captured crash event")
	return nil
}

// copyToWriteBuffer moves an uncompressible capture into the write buffer,
// keeping the header and the newest tail of the output when it does not
// fit. Returns the resulting size.
func (r *Registry) copyToWriteBuffer(hsize, size int) int {
	if size <= len(r.sbuf) {
		copy(r.sbuf, r.zbuf[:size])
		return size
	}
	keep := len(r.sbuf) - hsize
	copy(r.sbuf, r.zbuf[:hsize])
	copy(r.sbuf[hsize:], r.zbuf[size-keep:size])
	return len(r.sbuf)
}

// WriteConsole appends console output to the backend. Dropped silently when
// no backend accepts console data; console producers cannot handle errors.
func (r *Registry) WriteConsole(p []byte) {
	b := r.Backend()
	if b == nil || !b.Flags().Has(CategoryConsole) {
		r.dropped.Add(1)
		return
	}
	rec := Record{Category: CategoryConsole, Buf: p, Time: time.Now()}
	if err := b.Write(&rec); err != nil {
		r.failed.Add(1)
	}
}

// WriteTrace appends execution trace data attributed to a CPU.
func (r *Registry) WriteTrace(p []byte, cpu int) error {
	b := r.Backend()
	if b == nil {
		return ErrNoBackend
	}
	if !b.Flags().Has(CategoryTrace) {
		r.dropped.Add(1)
		return ErrNotSupported
	}
	rec := Record{Category: CategoryTrace, Buf: p, CPU: cpu, Time: time.Now()}
	return b.Write(&rec)
}

// WriteUserMsg stores n bytes from src as a user message record. Backends
// that can pull from external sources get the reader directly; otherwise
// the payload is staged through a buffered copy.
func (r *Registry) WriteUserMsg(src io.Reader, n int) error {
	b := r.Backend()
	if b == nil {
		return ErrNoBackend
	}
	if !b.Flags().Has(CategoryUserMsg) {
		r.dropped.Add(1)
		return ErrNotSupported
	}
	rec := Record{Category: CategoryUserMsg, Time: time.Now()}
	if ew, ok := b.(ExternalWriter); ok {
		return ew.WriteExternal(&rec, src, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(src, buf); err != nil {
		return fmt.Errorf("failed to read user message: %w", err)
	}
	rec.Buf = buf
	return b.Write(&rec)
}

// Drain reads every stored record from the backend and publishes it to the
// presenter. Records already published are skipped quietly. Crash payloads
// stored compressed are decompressed here, once, on the way out.
func (r *Registry) Drain() {
	b := r.Backend()
	if b == nil {
		return
	}

	r.readMu.Lock()
	defer r.readMu.Unlock()

	if err := b.Open(); err != nil {
		r.log.Error().Err(err).Msg("failed to open backend for reading")
		return
	}

	found := 0
	failed := 0
	for stop := 0; stop < drainLoopCap; stop++ {
		rec := Record{Backend: b.Name()}
		n, err := b.Read(&rec)
		if err == io.EOF {
			break
		}
		if err != nil {
			r.log.Error().Err(err).Msg("backend read failed")
			failed++
			continue
		}
		if n == 0 {
			continue
		}

		r.decompressRecord(&rec)

		if r.presenter == nil {
			continue
		}
		switch err := r.presenter.AddRecord(&rec); {
		case err == nil:
			found++
		case errors.Is(err, ErrExists):
			// Already drained in a previous pass.
		default:
			failed++
			r.log.Error().Err(err).Str("record", rec.Name()).
				Msg("failed to publish record")
		}
	}
	if found > 0 || failed > 0 {
		r.log.Info().Int("found", found).Int("failed", failed).
			Str("backend", b.Name()).Msg("drained stored records")
	}
}

// decompressRecord unpacks a compressed crash payload in place. Failure
// leaves the record compressed; it stays readable as raw bytes under its
// compressed name.
func (r *Registry) decompressRecord(rec *Record) {
	if !rec.Compressed {
		return
	}
	if rec.Category != CategoryCrash {
		r.log.Warn().Str("record", rec.Name()).
			Msg("ignoring compressed payload on non-crash record")
		return
	}
	if r.codec == nil {
		return
	}
	out := make([]byte, r.codec.Bound(len(r.sbuf)))
	n, err := r.codec.Decompress(out, rec.Buf)
	if err != nil {
		r.log.Error().Err(err).Str("record", rec.Name()).Msg("failed to decompress record")
		return
	}
	rec.Buf = out[:n]
	rec.Compressed = false
}

func (r *Registry) kickUpdate() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// updateLoop periodically publishes records written since the last drain,
// so an operator inspecting the store after a handled fault sees it without
// remounting.
func (r *Registry) updateLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			if r.newEntry.Swap(false) {
				r.Drain()
			}
			return
		case <-ticker.C:
		case <-r.kick:
		}
		if r.newEntry.Swap(false) {
			r.Drain()
		}
	}
}
