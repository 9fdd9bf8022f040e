package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ssargent/muninn/pkg/pstore"
	"github.com/ssargent/muninn/pkg/view"
)

// Server holds the API server state
type Server struct {
	tree     *view.Tree
	registry *pstore.Registry
	ecc      ECCStats
	config   ServerConfig
	metrics  *Metrics
}

// NewServer creates a new API server
func NewServer(tree *view.Tree, registry *pstore.Registry, ecc ECCStats, config ServerConfig, metrics *Metrics) *Server {
	return &Server{
		tree:     tree,
		registry: registry,
		ecc:      ecc,
		config:   config,
		metrics:  metrics,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "healthy"}
	if s.registry.Backend() == nil {
		status["status"] = "degraded"
		status["detail"] = "no storage backend registered"
	}
	sendSuccess(w, status)
}

// handleListRecords lists every published record, newest metadata included.
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, s.tree.List())
}

// handleGetRecord streams the record's content: the payload followed by the
// backend's diagnostic notice, exactly what an operator wants to page
// through after a crash.
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	content, err := s.tree.Content(name)
	if err != nil {
		if errors.Is(err, view.ErrNotFound) {
			sendError(w, "No such record", http.StatusNotFound)
			return
		}
		sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

// handleDeleteRecord unpublishes the record and erases it from the backend
// so its zone can be reused.
func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rec, err := s.tree.Remove(name)
	if err != nil {
		s.metrics.RecordRemoval(false)
		sendError(w, "No such record", http.StatusNotFound)
		return
	}
	if b := s.registry.Backend(); b != nil {
		if err := b.Erase(rec); err != nil {
			s.metrics.RecordRemoval(false)
			sendError(w, "Failed to erase record from backend", http.StatusInternalServerError)
			return
		}
	}
	s.metrics.RecordRemoval(true)
	sendSuccess(w, map[string]string{"removed": name})
}

// handleWriteMsg stores the request body as a user message record.
func (s *Server) handleWriteMsg(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength <= 0 {
		sendError(w, "Request body is required", http.StatusBadRequest)
		return
	}
	err := s.registry.WriteUserMsg(io.LimitReader(r.Body, r.ContentLength), int(r.ContentLength))
	if err != nil {
		if errors.Is(err, pstore.ErrNoBackend) || errors.Is(err, pstore.ErrNotSupported) {
			sendError(w, "No backend accepts user messages", http.StatusServiceUnavailable)
			return
		}
		sendError(w, "Failed to store message", http.StatusInternalServerError)
		return
	}
	s.metrics.RecordUserMsg(int(r.ContentLength))
	sendSuccess(w, map[string]int64{"stored": r.ContentLength})
}

// handleDump triggers a crash capture, as used by operators testing that
// their region actually survives.
func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	reason := pstore.ReasonOops
	switch strings.ToLower(r.URL.Query().Get("reason")) {
	case "", "oops":
	case "panic":
		reason = pstore.ReasonPanic
	case "emerg", "emergency":
		reason = pstore.ReasonEmerg
	case "shutdown":
		reason = pstore.ReasonShutdown
	default:
		sendError(w, "Unknown reason", http.StatusBadRequest)
		return
	}
	if err := s.registry.Dump(reason); err != nil {
		if errors.Is(err, pstore.ErrRetryLater) {
			sendError(w, "Capture buffers busy, retry", http.StatusConflict)
			return
		}
		sendError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.metrics.RecordDump(reason.String())
	sendSuccess(w, map[string]string{"captured": reason.String()})
}

// handleStats reports store-wide counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	dumped, failed, dropped := s.registry.Stats()
	resp := StatsResponse{
		Entries: s.tree.Len(),
		Dumped:  dumped,
		Failed:  failed,
		Dropped: dropped,
	}
	if b := s.registry.Backend(); b != nil {
		resp.Backend = b.Name()
	}
	if s.ecc != nil {
		resp.CorrectedBytes = s.ecc.CorrectedBytes()
		resp.BadBlocks = s.ecc.BadBlocks()
	}
	sendSuccess(w, resp)
}

// handleRefresh forces a drain of the backend, publishing any records
// written since the last pass.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.registry.Drain()
	sendSuccess(w, map[string]any{
		"entries":  s.tree.Len(),
		"duration": time.Since(start).String(),
	})
}
