// Package api is the admin and dashboard surface: read-only views of the
// controller, snapshot ingest, operator overrides, history queries, the
// peer exchange endpoint and an SSE stream. The control loop never depends
// on it; a wedged dashboard cannot stall the signals.
package api

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"crosslight/internal/controller"
	"crosslight/internal/coord"
	"crosslight/internal/database"
	"crosslight/internal/ingest"
	"crosslight/internal/metrics"
	"crosslight/internal/override"
	"crosslight/internal/policy"
	"crosslight/internal/sysmon"
)

var allowedCORS = []string{
	"http://localhost",
	"http://localhost:3000",
	"http://localhost:3001",
}

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	maxBodyBytes        = 1 << 16
)

// Server exposes the admin surface over one controller.
type Server struct {
	ctrl    *controller.Controller
	metrics *metrics.Store
	monitor *sysmon.Monitor
	limiter *rateLimiter
}

// NewServer wires the admin surface to a controller. monitor may be nil
// when process stats are unavailable.
func NewServer(ctrl *controller.Controller, m *metrics.Store, monitor *sysmon.Monitor) *Server {
	return &Server{
		ctrl:    ctrl,
		metrics: m,
		monitor: monitor,
		limiter: newRateLimiter(120, 10, 10*time.Minute),
	}
}

// Start launches the HTTP server and returns a stop function for graceful
// shutdown.
func (s *Server) Start(port string) func() {
	if os.Getenv("CROSSLIGHT_API_KEY") != "" {
		log.Printf("[API] key authentication enabled for mutating endpoints")
	} else {
		log.Printf("[API] no CROSSLIGHT_API_KEY set, mutating endpoints are blocked")
	}

	server := &http.Server{
		Addr:              resolveBindAddr(port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("[API] listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[API] ListenAndServe warning: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("[API] shutdown failed: %v", err)
		}
	}
}

// Handler returns the full router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.register(mux, "/healthz", s.handleHealth)
	s.register(mux, "/readyz", s.handleReady)
	s.register(mux, "/metrics", s.handleMetrics)
	s.register(mux, "/stream", s.handleStream)

	s.register(mux, "/v1/state", s.handleState)
	s.register(mux, "/v1/traffic", s.handleTraffic)
	s.register(mux, "/v1/snapshots", s.handleSnapshots)
	s.register(mux, "/v1/override", s.handleOverride)
	s.register(mux, "/v1/history/transitions", s.handleHistoryTransitions)
	s.register(mux, "/v1/history/snapshots", s.handleHistorySnapshots)
	s.register(mux, "/v1/peer/exchange", s.handlePeerExchange)
	s.register(mux, "/v1/ops/decisions/replay/", s.handleDecisionReplay)
	return mux
}

func (s *Server) register(mux *http.ServeMux, path string, handler http.HandlerFunc) {
	mux.HandleFunc(path, s.withSecurity(handler))
}

func resolveBindAddr(port string) string {
	// Local-only by default; an explicit host must still be loopback.
	host := os.Getenv("CROSSLIGHT_BIND_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	if host != "127.0.0.1" && host != "localhost" {
		log.Printf("[API] refusing non-local bind host %q, falling back to 127.0.0.1", host)
		host = "127.0.0.1"
	}
	return host + ":" + port
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func corsMiddleware(w http.ResponseWriter, r *http.Request) {
	origin := strings.TrimSpace(r.Header.Get("Origin"))

	allowed := make(map[string]struct{}, len(allowedCORS)+1)
	for _, o := range allowedCORS {
		allowed[o] = struct{}{}
	}
	if envOrigin := strings.TrimSpace(os.Getenv("CROSSLIGHT_ALLOWED_ORIGIN")); envOrigin != "" && isLocalOrigin(envOrigin) {
		allowed[envOrigin] = struct{}{}
	}

	if origin != "" {
		if _, ok := allowed[origin]; !ok && !isLocalOrigin(origin) {
			origin = ""
		}
	}
	if origin == "" {
		origin = "http://localhost:3000"
	}

	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func isLocalOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "localhost" || host == "127.0.0.1"
}

func (s *Server) withSecurity(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		corsMiddleware(rec, r)
		r = withRequestID(r)
		if rid := requestIDFromRequest(r); rid != "" {
			rec.Header().Set(requestIDHeader, rid)
		}

		if r.Method == http.MethodOptions {
			rec.WriteHeader(http.StatusOK)
			s.metrics.IncRequest(r.URL.Path, r.Method, rec.status)
			return
		}

		if !s.limiter.allow(clientIP(r.RemoteAddr)) {
			writeJSONErrorForRequest(rec, r, http.StatusTooManyRequests, "rate limit exceeded")
			s.metrics.IncRequest(r.URL.Path, r.Method, rec.status)
			return
		}

		next(rec, r)
		s.metrics.IncRequest(r.URL.Path, r.Method, rec.status)
	}
}

// requireAuth checks the CROSSLIGHT_API_KEY env var. With no key set,
// mutating endpoints are blocked outright.
func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	ip := clientIP(r.RemoteAddr)
	apiKey := os.Getenv("CROSSLIGHT_API_KEY")

	if apiKey == "" {
		writeJSONErrorForRequest(w, r, http.StatusForbidden,
			"CROSSLIGHT_API_KEY must be set before mutating endpoints are accepted")
		return false
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		s.metrics.IncAuthFailure()
		if s.limiter.addAuthFailure(ip) {
			writeJSONErrorForRequest(w, r, http.StatusTooManyRequests, "too many failed auth attempts, retry later")
			return false
		}
		writeJSONErrorForRequest(w, r, http.StatusUnauthorized, "authorization required")
		return false
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
		s.metrics.IncAuthFailure()
		if s.limiter.addAuthFailure(ip) {
			writeJSONErrorForRequest(w, r, http.StatusTooManyRequests, "too many failed auth attempts, retry later")
			return false
		}
		writeJSONErrorForRequest(w, r, http.StatusForbidden, "invalid API key")
		return false
	}

	s.limiter.clearAuthFailures(ip)
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ready := true
	checks := make(map[string]interface{}, 2)

	dbCheck := map[string]interface{}{"name": "database", "healthy": true, "target": "sqlite"}
	if handle := database.GetDB(); handle == nil {
		dbCheck["healthy"] = false
		dbCheck["error"] = "database not initialized"
		ready = false
	} else if err := handle.Ping(); err != nil {
		dbCheck["healthy"] = false
		dbCheck["error"] = err.Error()
		ready = false
	}
	checks["database"] = dbCheck

	if s.monitor != nil {
		checks["process"] = s.monitor.Stats()
	}

	payload := map[string]interface{}{
		"status": "ready",
		"checks": checks,
		"config": s.ctrl.ConfigSummary(),
	}
	if !ready {
		payload["status"] = "not-ready"
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st := s.ctrl.Status()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = fmt.Fprint(w, s.metrics.Prometheus(st.Failsafe.Active))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	now := time.Now()
	view := s.ctrl.TrafficView(now)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"taken_at":   view.TakenAt,
		"approaches": view.Approaches,
		"neighbors":  s.ctrl.Neighbors(now),
	})
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var snap ingest.Snapshot
	if err := decodeBody(r, &snap); err != nil {
		writeJSONErrorForRequest(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ctrl.AcceptSnapshot(snap); err != nil {
		switch {
		case errors.Is(err, ingest.ErrStaleWrite):
			writeJSONErrorForRequest(w, r, http.StatusConflict, err.Error())
		case errors.Is(err, ingest.ErrValidation):
			writeJSONErrorForRequest(w, r, http.StatusUnprocessableEntity, err.Error())
		default:
			writeJSONErrorForRequest(w, r, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      "accepted",
		"approach_id": snap.ApproachID,
	})
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if !s.requireAuth(w, r) {
			return
		}
		var req override.Request
		if err := decodeBody(r, &req); err != nil {
			writeJSONErrorForRequest(w, r, http.StatusBadRequest, err.Error())
			return
		}
		cmd, err := s.ctrl.SubmitOverride(req, time.Now())
		if err != nil {
			if errors.Is(err, override.ErrValidation) {
				writeJSONErrorForRequest(w, r, http.StatusUnprocessableEntity, err.Error())
				return
			}
			writeJSONErrorForRequest(w, r, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, cmd)

	case http.MethodDelete:
		if !s.requireAuth(w, r) {
			return
		}
		if !s.ctrl.CancelOverride(actorFromRequest(r), time.Now()) {
			writeJSONErrorForRequest(w, r, http.StatusNotFound, "no pending override")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})

	default:
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleHistoryTransitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	since, until, limit, err := parseHistoryQuery(r)
	if err != nil {
		writeJSONErrorForRequest(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := database.GetTransitions(since, until, limit)
	if err != nil {
		writeJSONErrorForRequest(w, r, http.StatusInternalServerError,
			fmt.Sprintf("failed to load transitions: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(rows),
		"items": rows,
		"limit": limit,
	})
}

func (s *Server) handleHistorySnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	since, until, limit, err := parseHistoryQuery(r)
	if err != nil {
		writeJSONErrorForRequest(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := database.GetSnapshots(since, until, limit)
	if err != nil {
		writeJSONErrorForRequest(w, r, http.StatusInternalServerError,
			fmt.Sprintf("failed to load snapshots: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(rows),
		"items": rows,
		"limit": limit,
	})
}

func (s *Server) handlePeerExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONErrorForRequest(w, r, http.StatusBadRequest, "failed to read body")
		return
	}
	msg, err := s.ctrl.ReceiveNeighbor(raw)
	if err != nil {
		if errors.Is(err, coord.ErrContract) {
			writeJSONErrorForRequest(w, r, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSONErrorForRequest(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// Reply with our own summary so a single exchange updates both sides.
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted_from": msg.IntersectionID,
		"reply":         s.ctrl.ComposeNeighborMessage(),
	})
}

// handleDecisionReplay verifies the deterministic replay digest of one
// stored decision trace.
func (s *Server) handleDecisionReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	traceID, err := parseTrailingID(r.URL.Path, "/v1/ops/decisions/replay/")
	if err != nil {
		writeJSONErrorForRequest(w, r, http.StatusBadRequest, err.Error())
		return
	}

	trace, err := database.GetDecisionTrace(traceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSONErrorForRequest(w, r, http.StatusNotFound, "decision trace not found")
			return
		}
		writeJSONErrorForRequest(w, r, http.StatusInternalServerError,
			fmt.Sprintf("failed to load decision trace: %v", err))
		return
	}

	verification := policy.VerifyReplay(trace.ReplayDigest, policy.ReplayInput{
		TimingEngine:   trace.TimingEngine,
		EngineVersion:  trace.EngineVersion,
		TimingContract: trace.TimingContract,
		Phase:          trace.Phase,
		Source:         trace.Source,
		QueueLength:    trace.QueueLength,
		GrowthRate:     trace.GrowthRate,
		BiasMS:         trace.BiasMS,
		DurationMS:     trace.DurationMS,
		Reason:         trace.Reason,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trace_id":     trace.ID,
		"timestamp":    trace.Timestamp,
		"phase":        trace.Phase,
		"source":       trace.Source,
		"verification": verification,
	})
}

// handleStream pushes the controller status to the client as server-sent
// events, one frame per control tick.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONErrorForRequest(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates, cancel := s.ctrl.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case st := <-updates:
			payload, err := json.Marshal(st)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseHistoryQuery(r *http.Request) (since, until time.Time, limit int, err error) {
	q := r.URL.Query()
	limit = defaultHistoryLimit
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		parsed, perr := strconv.Atoi(raw)
		if perr != nil || parsed < 1 || parsed > maxHistoryLimit {
			return since, until, 0, fmt.Errorf("limit must be an integer between 1 and %d", maxHistoryLimit)
		}
		limit = parsed
	}
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return since, until, 0, fmt.Errorf("since must be RFC3339")
		}
	}
	if raw := strings.TrimSpace(q.Get("until")); raw != "" {
		until, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return since, until, 0, fmt.Errorf("until must be RFC3339")
		}
	}
	if until.IsZero() {
		until = time.Now()
	}
	return since, until, limit, nil
}

func parseTrailingID(path, prefix string) (int64, error) {
	raw := strings.TrimPrefix(path, prefix)
	raw = strings.Trim(raw, "/")
	if raw == "" || strings.Contains(raw, "/") {
		return 0, fmt.Errorf("trace id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("trace id must be a positive integer")
	}
	return id, nil
}

// actorFromRequest names the caller for the audit log without ever
// persisting token material.
func actorFromRequest(r *http.Request) string {
	if actor := strings.TrimSpace(r.URL.Query().Get("actor")); actor != "" {
		return actor
	}
	if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		return "api-key"
	}
	return "anonymous"
}
