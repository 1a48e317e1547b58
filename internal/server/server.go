// Package server is the bridge's single HTTP listener: health, the
// visualization page, the initialize handshake, metrics, and WebSocket
// upgrade routing between the editor and observer handlers.
package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ProtocolVersion is reported in the initialize reply.
const ProtocolVersion = "2024-11-05"

const (
	DefaultEditorPath   = "/godot"
	DefaultObserverPath = "/visualizer"
)

//go:embed web/index.html
var indexHTML []byte

// Options wires the front door to its collaborators.
type Options struct {
	Version      string
	EditorPath   string
	ObserverPath string

	// Editor receives upgrade requests on EditorPath.
	Editor http.Handler
	// Observer receives every other upgrade request.
	Observer http.Handler
	// Metrics is served at /metrics when set.
	Metrics http.Handler
	// Status supplies the bridge snapshot embedded in /health.
	Status func() any
}

// Server owns the listener and the HTTP routing.
type Server struct {
	opts      Options
	logger    *zap.Logger
	startedAt time.Time
	handler   http.Handler

	mu         sync.Mutex
	httpServer *http.Server
}

// New creates a Server. Nothing listens until Start.
func New(opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.EditorPath == "" {
		opts.EditorPath = DefaultEditorPath
	}
	if opts.ObserverPath == "" {
		opts.ObserverPath = DefaultObserverPath
	}
	s := &Server{
		opts:      opts,
		logger:    logger,
		startedAt: time.Now(),
	}
	s.handler = s.buildHandler()
	return s
}

// Handler returns the full HTTP handler, upgrade routing included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handlePage)
	mux.HandleFunc("GET /index.html", s.handlePage)
	mux.HandleFunc("POST /{$}", s.handleInitialize)
	mux.HandleFunc("POST /mcp", s.handleInitialize)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			s.routeUpgrade(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) routeUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == s.opts.EditorPath {
		if s.opts.Editor == nil {
			http.Error(w, "editor endpoint unavailable", http.StatusServiceUnavailable)
			return
		}
		s.opts.Editor.ServeHTTP(w, r)
		return
	}
	if s.opts.Observer == nil {
		http.Error(w, "observer endpoint unavailable", http.StatusServiceUnavailable)
		return
	}
	s.opts.Observer.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"version":        s.opts.Version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"timestamp":      time.Now().UTC(),
	}
	if s.opts.Status != nil {
		body["bridge"] = s.opts.Status()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(indexHTML)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"jsonrpc": "2.0",
			"id":      nil,
			"error":   rpcError{Code: -32700, Message: "parse error"},
		})
		return
	}
	id := req.ID
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	if req.Method != "initialize" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"error":   rpcError{Code: -32601, Message: fmt.Sprintf("method not supported: %s", req.Method)},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{},
			"serverInfo": map[string]string{
				"name":    "editorbridge",
				"version": s.opts.Version,
			},
		},
	})
}

// Start binds addr and serves in the background. The bound address is
// returned so callers can use port 0.
func (s *Server) Start(addr string) (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return nil, errors.New("server already started")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.httpServer = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("editor_path", s.opts.EditorPath),
		zap.String("observer_path", s.opts.ObserverPath),
	)
	return ln.Addr(), nil
}

// Shutdown stops accepting requests and waits for in-flight plain HTTP
// requests. Hijacked WebSocket connections are closed by their owners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
