package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/did-doc-patch/go-didpatch"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// defaultExportPageSize bounds a single /export response.
	defaultExportPageSize = 1000
	maxExportPageSize     = 1000
)

// DIDDataResponse is the response for GET /{did}/data
type DIDDataResponse struct {
	DID        string                `json:"did"`
	HeadCID    string                `json:"headCid"`
	UpdateKeys []string              `json:"updateKeys"`
	Document   *didpatch.DidDocument `json:"document"`
}

// Server holds the HTTP server and its dependencies
type Server struct {
	store    *GormPatchStore
	addr     string
	logger   *slog.Logger
	state    *RegistrarState
	hub      *streamHub
	readOnly bool
}

// NewServer creates a new HTTP server. When readOnly is set, POST /{did} is
// disabled (the mirror deployment mode, where entries arrive via ingestion).
func NewServer(store *GormPatchStore, addr string, state *RegistrarState, readOnly bool, logger *slog.Logger) *Server {
	return &Server{
		store:    store,
		addr:     addr,
		logger:   logger.With("component", "server"),
		state:    state,
		hub:      newStreamHub(),
		readOnly: readOnly,
	}
}

// Handler builds the HTTP routing table. Exposed separately from Run for
// tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_health", s.handleHealth)
	mux.HandleFunc("GET /export/stream", s.handleExportStream)
	mux.HandleFunc("GET /export", s.handleExport)
	mux.HandleFunc("GET /{did}/log/last", s.handleDIDLogLast)
	mux.HandleFunc("GET /{did}/log", s.handleDIDLog)
	mux.HandleFunc("GET /{did}/data", s.handleDIDData)
	mux.HandleFunc("GET /{did}", s.handleDIDDoc)
	mux.HandleFunc("POST /{did}", s.handleSubmit)
	mux.HandleFunc("GET /{$}", s.handleIndex)
	return otelhttp.NewHandler(mux, "")
}

// Run starts the HTTP server (blocking)
func (s *Server) Run() error {
	s.logger.Info("http server listening", "addr", s.addr)
	return http.ListenAndServe(s.addr, s.Handler())
}

// handleIndex serves the index page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "hello patch registry\n")
}

// handleHealth handles GET /_health - returns version information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{
		"version": versioninfo.Short(),
	}
	if s.state != nil {
		if t := s.state.GetLastCommittedEntryTime(); !t.IsZero() {
			resp["lastCommittedEntry"] = t.UTC().Format(time.RFC3339)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeJSONError writes a JSON error response
func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

// handleDIDDoc handles GET /{did} - returns the DID document
func (s *Server) handleDIDDoc(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	ctx := r.Context()

	log, err := s.store.GetEntryLog(ctx, did)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error fetching log: %v", err), http.StatusInternalServerError)
		return
	}
	if len(log) == 0 {
		writeJSONError(w, fmt.Sprintf("DID not registered: %s", did), http.StatusNotFound)
		return
	}

	doc, err := didpatch.DocumentFromLog(did, log)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error resolving DID document: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/did+json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		writeJSONError(w, fmt.Sprintf("error encoding response: %v", err), http.StatusInternalServerError)
		return
	}
}

// handleDIDData handles GET /{did}/data - returns the resolved document plus
// the head metadata needed to construct the next entry
func (s *Server) handleDIDData(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	ctx := r.Context()

	head, err := s.store.GetLatest(ctx, did)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error fetching head: %v", err), http.StatusInternalServerError)
		return
	}
	if head == nil {
		writeJSONError(w, fmt.Sprintf("DID not registered: %s", did), http.StatusNotFound)
		return
	}

	log, err := s.store.GetEntryLog(ctx, did)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error fetching log: %v", err), http.StatusInternalServerError)
		return
	}
	doc, err := didpatch.DocumentFromLog(did, log)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error resolving DID document: %v", err), http.StatusInternalServerError)
		return
	}

	resp := DIDDataResponse{
		DID:        did,
		HeadCID:    head.EntryCID,
		UpdateKeys: head.UpdateKeys,
		Document:   doc,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		writeJSONError(w, fmt.Sprintf("error encoding response: %v", err), http.StatusInternalServerError)
		return
	}
}

// handleDIDLog handles GET /{did}/log - returns the full entry log
func (s *Server) handleDIDLog(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	ctx := r.Context()

	log, err := s.store.GetEntryLog(ctx, did)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error fetching entry log: %v", err), http.StatusInternalServerError)
		return
	}
	if len(log) == 0 {
		writeJSONError(w, fmt.Sprintf("DID not registered: %s", did), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(log); err != nil {
		writeJSONError(w, fmt.Sprintf("error encoding response: %v", err), http.StatusInternalServerError)
		return
	}
}

// handleDIDLogLast handles GET /{did}/log/last - returns the most recent log entry
func (s *Server) handleDIDLogLast(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	ctx := r.Context()

	head, err := s.store.GetLatest(ctx, did)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error fetching head: %v", err), http.StatusInternalServerError)
		return
	}
	if head == nil {
		writeJSONError(w, fmt.Sprintf("DID not registered: %s", did), http.StatusNotFound)
		return
	}

	le := didpatch.LogEntry{
		DID:       head.DID,
		Entry:     *head.Entry,
		CID:       head.EntryCID,
		CreatedAt: head.CreatedAt.UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(le); err != nil {
		writeJSONError(w, fmt.Sprintf("error encoding response: %v", err), http.StatusInternalServerError)
		return
	}
}

// handleSubmit handles POST /{did} - verifies and commits a signed entry
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	ctx := r.Context()

	if s.readOnly {
		writeJSONError(w, "registry is read-only", http.StatusForbidden)
		return
	}

	var entry didpatch.Entry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeJSONError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	createdAt := time.Now().UTC()
	pe, err := didpatch.VerifyEntry(ctx, s.store, did, &entry, createdAt)
	if err != nil {
		if errors.Is(err, didpatch.ErrInvalidEntry) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
		} else {
			writeJSONError(w, fmt.Sprintf("error verifying entry: %v", err), http.StatusInternalServerError)
		}
		return
	}

	if err := s.store.CommitEntries(ctx, []*didpatch.PreparedEntry{pe}); err != nil {
		if errors.Is(err, didpatch.ErrHeadMismatch) {
			writeJSONError(w, "concurrent update, retry against the new head", http.StatusConflict)
		} else {
			writeJSONError(w, fmt.Sprintf("error committing entry: %v", err), http.StatusInternalServerError)
		}
		return
	}

	SubmittedEntriesCounter.Add(ctx, 1)
	if s.state != nil {
		s.state.SetLastCommittedEntryTime(pe.CreatedAt)
	}
	s.notifyCommitted(ctx, pe)

	le := didpatch.LogEntry{
		DID:       pe.DID,
		Entry:     *pe.Entry,
		CID:       pe.EntryCID,
		CreatedAt: pe.CreatedAt.Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(le)
}

// notifyCommitted pushes a freshly committed entry to stream subscribers. The
// seq is read back from the store since it is assigned at insert.
func (s *Server) notifyCommitted(ctx context.Context, pe *didpatch.PreparedEntry) {
	seq, err := s.store.MaxSeq(ctx)
	if err != nil {
		s.logger.Error("failed to read seq for stream broadcast", "error", err)
		return
	}
	s.hub.broadcast(didpatch.ExportEntry{
		Seq:       seq,
		DID:       pe.DID,
		Entry:     *pe.Entry,
		CID:       pe.EntryCID,
		CreatedAt: pe.CreatedAt.Format(time.RFC3339),
	})
}

// handleExport handles GET /export - returns a JSON array of committed
// entries with seq greater than the after parameter
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	after := int64(0)
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSONError(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		after = parsed
	}

	count := defaultExportPageSize
	if v := r.URL.Query().Get("count"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeJSONError(w, "invalid count parameter", http.StatusBadRequest)
			return
		}
		count = min(parsed, maxExportPageSize)
	}

	entries, err := s.store.GetExportAfter(ctx, after, count)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error fetching export: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		writeJSONError(w, fmt.Sprintf("error encoding response: %v", err), http.StatusInternalServerError)
		return
	}
}
