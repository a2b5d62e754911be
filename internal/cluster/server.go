// Package cluster provides the HTTP API and WebSocket stream of a
// dispatchd instance: producers store and remove messages over HTTP, and
// WebSocket clients receive the journal live together with a periodic
// heartbeat carrying load stats.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dayuer/dispatchd/internal/bus"
	"github.com/dayuer/dispatchd/internal/channels"
	"github.com/dayuer/dispatchd/internal/dispatcher"
	"github.com/dayuer/dispatchd/internal/journal"
)

// DefaultHeartbeat is the WebSocket heartbeat period.
const DefaultHeartbeat = 10 * time.Second

// Server is the dispatchd HTTP API server.
type Server struct {
	port       int
	apiKey     string
	instanceID string
	dispatcher *dispatcher.Dispatcher
	journal    journal.Reader
	heartbeat  time.Duration

	// WebSocket
	wsFingerprint string
	wsConns       map[*wsConn]bool
	wsMu          sync.Mutex

	// Load stats
	activeRequests atomic.Int64
	totalRequests  atomic.Int64
	storeLatency   *latencyWindow
	startTime      time.Time

	mux *http.ServeMux
	srv *http.Server
}

// ServerConfig configures the Server.
type ServerConfig struct {
	Port          int
	APIKey        string
	InstanceID    string
	WSFingerprint string
	Dispatcher    *dispatcher.Dispatcher
	// Journal, if set, backs GET /api/journal.
	Journal   journal.Reader
	Heartbeat time.Duration
}

// NewServer creates a new HTTP API server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	s := &Server{
		port:          cfg.Port,
		apiKey:        cfg.APIKey,
		instanceID:    cfg.InstanceID,
		dispatcher:    cfg.Dispatcher,
		journal:       cfg.Journal,
		heartbeat:     cfg.Heartbeat,
		wsFingerprint: cfg.WSFingerprint,
		wsConns:       make(map[*wsConn]bool),
		storeLatency:  newLatencyWindow(time.Minute),
		startTime:     time.Now(),
		mux:           http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /api/status", s.withAuth(s.handleStatus))
	s.mux.HandleFunc("GET /api/load", s.withAuth(s.handleLoad))
	s.mux.HandleFunc("GET /api/channels", s.withAuth(s.handleChannels))
	s.mux.HandleFunc("GET /api/channels/{id}", s.withAuth(s.handleChannel))
	s.mux.HandleFunc("POST /api/channels/{id}/messages", s.withAuth(s.handleStore))
	s.mux.HandleFunc("DELETE /api/channels/{id}/messages/{msgID}", s.withAuth(s.handleRemove))
	s.mux.HandleFunc("GET /api/journal", s.withAuth(s.handleJournal))

	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.mux }

// Start starts the HTTP server and heartbeat loop. It returns once ctx is
// cancelled and the server has shut down.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", s.port),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("[Cluster] ✅ HTTP API → http://0.0.0.0:%d", s.port)
	log.Printf("[Cluster] ✅ WebSocket → ws://0.0.0.0:%d/ws", s.port)

	go s.heartbeatLoop(ctx)

	go func() {
		<-ctx.Done()
		s.closeAllWS()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- Auth middleware ---

func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+s.apiKey {
				writeJSONError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		handler(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":     "ok",
		"instanceId": s.instanceID,
		"uptime":     int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"instanceId":    s.instanceID,
		"uptime":        int(time.Since(s.startTime).Seconds()),
		"load":          s.load(),
		"wsConnections": s.WSConnectionCount(),
	}
	if s.dispatcher != nil {
		chs := s.dispatcher.Channels()
		ids := make([]string, len(chs))
		pooled := 0
		for i, ch := range chs {
			ids[i] = ch.ID()
			pooled += ch.Size()
		}
		status["channels"] = ids
		status["pooledMessages"] = pooled
		status["pendingManagers"] = len(s.dispatcher.Pending())
	}
	writeJSON(w, status)
}

func (s *Server) handleLoad(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.load())
}

func (s *Server) load() map[string]any {
	avgMs, recent := s.storeLatency.Avg()
	return map[string]any{
		"activeRequests": s.activeRequests.Load(),
		"totalRequests":  s.totalRequests.Load(),
		"recentStores":   recent,
		"avgStoreMs":     avgMs,
	}
}

func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	if s.dispatcher == nil {
		writeJSON(w, map[string]any{"channels": []any{}, "total": 0})
		return
	}
	stats := s.dispatcher.Stats()
	writeJSON(w, map[string]any{"channels": stats, "total": len(stats)})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channel(w, r)
	if !ok {
		return
	}
	msgs := ch.Messages()
	if msgs == nil {
		msgs = []*bus.Message{}
	}
	writeJSON(w, map[string]any{
		"stats":    ch.Stats(),
		"messages": msgs,
	})
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeJSONError(w, "no dispatcher configured", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")

	payloads, err := decodePayloads(w, r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.activeRequests.Add(1)
	start := time.Now()
	defer func() {
		s.activeRequests.Add(-1)
		s.totalRequests.Add(1)
		s.storeLatency.Record(time.Since(start))
	}()

	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		msgID, err := s.dispatcher.Store(id, p)
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		ids = append(ids, msgID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"ids": ids})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeJSONError(w, "no dispatcher configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.dispatcher.Remove(r.PathValue("id"), r.PathValue("msgID")); err != nil {
		writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSONError(w, "journal is not queryable", http.StatusNotImplemented)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, map[string]any{"entries": entries})
}

func (s *Server) channel(w http.ResponseWriter, r *http.Request) (*channels.Channel, bool) {
	if s.dispatcher == nil {
		writeJSONError(w, "no dispatcher configured", http.StatusServiceUnavailable)
		return nil, false
	}
	ch, ok := s.dispatcher.GetChannel(r.PathValue("id"))
	if !ok {
		writeJSONError(w, "channel not found", http.StatusNotFound)
		return nil, false
	}
	return ch, true
}

// writeDispatchError maps dispatcher and channel errors to HTTP statuses.
func writeDispatchError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatcher.ErrChannelNotFound), errors.Is(err, channels.ErrMessageNotFound):
		code = http.StatusNotFound
	case errors.Is(err, channels.ErrClosed):
		code = http.StatusGone
	case errors.Is(err, dispatcher.ErrShutdown):
		code = http.StatusServiceUnavailable
	}
	writeJSONError(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
