// Package api exposes the availability service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"Shardkeep/internal/availability"
	"Shardkeep/internal/candidate"
	"Shardkeep/internal/logger"
	"Shardkeep/internal/recovery"
)

const (
	// maxBodySize bounds request bodies. Payloads travel base64 encoded.
	maxBodySize = 128 << 20

	// recoverTimeout bounds the wait of one HTTP recovery.
	recoverTimeout = 2 * time.Minute
)

// Service is the availability surface the server drives.
type Service interface {
	Recover(ctx context.Context, receipt *candidate.Receipt) ([]byte, error)
	EncodeAndStore(payload []byte, validators *candidate.ValidatorSet, ownIndex int) (*availability.Commitment, error)
	MakeAvailable(payload []byte, validators *candidate.ValidatorSet, ownIndex int, expectedRoot candidate.Hash) (*availability.Commitment, error)
	Prune(digest candidate.Hash) error
	Stats() recovery.Stats
}

// CandidateLister lists candidates held in the local store.
type CandidateLister interface {
	Candidates() ([]candidate.Hash, error)
}

// Server is the HTTP API server.
type Server struct {
	addr     string          // addr is the HTTP listen address
	service  Service         // service stores and recovers payloads
	lister   CandidateLister // lister enumerates stored candidates
	server   *http.Server    // server is the underlying HTTP server
	listener net.Listener    // listener is bound by Start
}

// New creates a new HTTP API server.
func New(addr string, service Service, lister CandidateLister) *Server {
	return &Server{
		addr:    addr,
		service: service,
		lister:  lister,
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /candidates", s.handleListCandidates)
	mux.HandleFunc("POST /candidates", s.handleStore)
	mux.HandleFunc("DELETE /candidates/{digest}", s.handlePrune)
	mux.HandleFunc("POST /recover", s.handleRecover)

	return mux
}

// Start binds the listen address and serves in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s:\n%w", s.addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: recoverTimeout + 30*time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", ln.Addr().String())

		if err := s.server.Serve(ln); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}

	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStats handles GET /stats requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	held, err := s.lister.Candidates()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list candidates failed")
		return
	}

	st := s.service.Stats()

	writeJSON(w, http.StatusOK, StatsResponse{
		Candidates:         len(held),
		Tasks:              st.Tasks,
		CacheHits:          st.CacheHits,
		LocalRecoveries:    st.LocalRecoveries,
		FastPathRecoveries: st.FastPathRecoveries,
		ChunkRecoveries:    st.ChunkRecoveries,
		Failures:           st.Failures,
		FullRequests:       st.FullRequests,
		ChunkRequests:      st.ChunkRequests,
		InvalidChunks:      st.InvalidChunks,
		Mismatches:         st.Mismatches,
	})
}

// handleListCandidates handles GET /candidates requests.
func (s *Server) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	held, err := s.lister.Candidates()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list candidates failed")
		return
	}

	out := make([]string, len(held))
	for i, h := range held {
		out[i] = h.String()
	}

	writeJSON(w, http.StatusOK, out)
}

// handleStore handles POST /candidates requests.
func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var req StoreRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "empty payload")
		return
	}

	validators, err := validatorSet(req.Validators)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var commitment *availability.Commitment

	if req.ErasureRoot == "" {
		commitment, err = s.service.EncodeAndStore(req.Payload, validators, req.OwnIndex)
	} else {
		root, perr := candidate.ParseHash(req.ErasureRoot)
		if perr != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("erasure_root: %v", perr))
			return
		}
		commitment, err = s.service.MakeAvailable(req.Payload, validators, req.OwnIndex, root)
	}

	switch {
	case errors.Is(err, availability.ErrErasureRootMismatch):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, availability.ErrInvalidOwnIndex):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		logger.Warn("store candidate failed", "error", err)
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}

	writeJSON(w, http.StatusCreated, CommitmentResponse{
		Digest: commitment.PayloadDigest.String(),
		Root:   commitment.ErasureRoot.String(),
		Total:  commitment.Total,
	})
}

// handlePrune handles DELETE /candidates/{digest} requests.
func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	digest, err := candidate.ParseHash(r.PathValue("digest"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.service.Prune(digest); err != nil {
		logger.Warn("prune failed", "candidate", digest.Short(), "error", err)
		writeError(w, http.StatusInternalServerError, "prune failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRecover handles POST /recover requests. The payload is returned
// as the raw response body.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	receipt, err := req.toReceipt()
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid receipt: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), recoverTimeout)
	defer cancel()

	payload, err := s.service.Recover(ctx, receipt)
	if err != nil {
		writeError(w, recoveryStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// recoveryStatus maps a recovery failure to an HTTP status.
func recoveryStatus(err error) int {
	var re *recovery.RecoveryError
	if !errors.As(err, &re) {
		return http.StatusInternalServerError
	}

	switch re.Kind {
	case recovery.KindInvalidReceipt:
		return http.StatusBadRequest
	case recovery.KindCommitmentMismatch:
		return http.StatusUnprocessableEntity
	case recovery.KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

// readJSON decodes a bounded JSON request body.
func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return fmt.Errorf("failed to read body")
	}

	if len(body) > maxBodySize {
		return fmt.Errorf("body exceeds %d bytes", maxBodySize)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("malformed json: %v", err)
	}

	return nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
