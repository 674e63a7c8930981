// Package server exposes the coordinator over HTTP: chat turns stream
// outward events as SSE, agent state changes are broadcast on a
// replayable SSE feed, and stored transcripts can be listed and read.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"agentrelay/internal/config"
	"agentrelay/internal/registry"
	"agentrelay/internal/runner"
	"agentrelay/internal/storage"
	"agentrelay/internal/transcript"
	"agentrelay/internal/workspace"
)

type Options struct {
	Config      *config.Config
	Registry    *registry.Registry
	Runner      *runner.Runner
	Store       transcript.Store
	StorageKind storage.Kind
	Workspace   *workspace.Root
	Feed        *Feed
	Logger      *zap.Logger
	// Tracing reports whether agent turns are exported as traces.
	Tracing bool
}

type Server struct {
	cfg         *config.Config
	registry    *registry.Registry
	runner      *runner.Runner
	store       transcript.Store
	storageKind storage.Kind
	workspace   *workspace.Root
	feed        *Feed
	logger      *zap.Logger
	tracing     bool
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Registry == nil || opts.Runner == nil || opts.Store == nil || opts.Workspace == nil {
		return nil, errors.New("server: config, registry, runner, store and workspace are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	feed := opts.Feed
	if feed == nil {
		var err error
		if feed, err = NewFeed(logger); err != nil {
			return nil, err
		}
	}
	return &Server{
		cfg:         opts.Config,
		registry:    opts.Registry,
		runner:      opts.Runner,
		store:       opts.Store,
		storageKind: opts.StorageKind,
		workspace:   opts.Workspace,
		feed:        feed,
		logger:      logger.Named("server"),
		tracing:     opts.Tracing,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/sessions", s.handleSessionList)
	mux.HandleFunc("/api/sessions/{id}", s.handleSession)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/events/stream", s.handleAgentEventsStream)
	mux.HandleFunc("/api/agents/{id}/respond", s.handleAgentRespond)
	mux.HandleFunc("/api/agents/{id}/cancel", s.handleAgentCancel)
	mux.HandleFunc("/api/fs/list", s.handleFSList)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	var handler http.Handler = mux
	if base := strings.TrimRight(s.cfg.Server.BasePath, "/"); base != "" {
		handler = http.StripPrefix(base, mux)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allowClient(r) {
			s.logger.Warn("rejected client", zap.String("remote_addr", r.RemoteAddr))
			writeError(w, http.StatusForbidden, "Forbidden for client IP.")
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func (s *Server) allowClient(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return config.IsAllowedClient(ip, s.cfg.Server.AllowCIDRs)
}

// Shutdown closes the state feed, ending every open subscription. The
// registry is shut down by its owner.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.feed.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	tracing := "disabled"
	if s.tracing {
		tracing = "enabled"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"active_sessions": s.registry.Len(),
		"storage":         s.storageKind,
		"model":           s.cfg.Claude.Model,
		"basePath":        s.workspace.Path(),
		"tracing":         tracing,
	})
}

func (s *Server) handleFSList(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	listing, err := s.workspace.ListFolder(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
