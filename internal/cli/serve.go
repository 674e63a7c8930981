package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"agentrelay/internal/backend"
	"agentrelay/internal/config"
	"agentrelay/internal/registry"
	"agentrelay/internal/runner"
	"agentrelay/internal/server"
	"agentrelay/internal/tracing"
	"agentrelay/internal/workspace"
)

const shutdownGrace = 5 * time.Second

type ServeCmd struct {
	Bind      string   `help:"Address to bind"`
	Port      int      `help:"Port to listen on"`
	AllowCIDR []string `name:"allow-cidr" help:"Additional client CIDR allowed to connect (repeatable; loopback is always allowed)"`
	BasePath  string   `help:"URL prefix the API is mounted under"`
	Workspace string   `type:"path" help:"Root directory agents may work in and the folder browser may list"`
	Tracing   bool     `help:"Export agent turns as OpenTelemetry spans"`
}

// apply overlays flags that were set on cfg.
func (c *ServeCmd) apply(cfg *config.Config) {
	if c.Bind != "" {
		cfg.Server.Bind = c.Bind
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if len(c.AllowCIDR) > 0 {
		cfg.Server.AllowCIDRs = append(cfg.Server.AllowCIDRs, c.AllowCIDR...)
	}
	if c.BasePath != "" {
		cfg.Server.BasePath = c.BasePath
	}
	if c.Workspace != "" {
		cfg.Server.WorkspaceRoot = c.Workspace
	}
	if c.Tracing {
		cfg.Tracing.Enabled = true
	}
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg := g.Config
	c.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := g.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ws, err := workspace.New(cfg.Server.WorkspaceRoot)
	if err != nil {
		return err
	}
	store, kind, release, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer release()

	traces, err := tracing.New(cfg.Tracing, Version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		traces, _ = tracing.New(config.TracingConfig{}, Version)
	}

	feed, err := server.NewFeed(logger)
	if err != nil {
		return err
	}
	reg := registry.New(registry.Config{
		MaxSessions:  cfg.Agents.MaxSessions,
		IdleTimeout:  cfg.Agents.IdleTimeout,
		ReapInterval: cfg.Agents.ReapInterval,
		GateTimeout:  cfg.Agents.GateTimeout,
		Logger:       logger,
		OnChange:     feed.Publish,
	})
	run := runner.New(runner.Config{
		Registry: reg,
		Backend: &backend.Claude{
			Binary:       cfg.Claude.Binary,
			Model:        cfg.Claude.Model,
			AllowedTools: cfg.Claude.AllowedTools,
			Logger:       logger,
		},
		Store:          store,
		PermissionMode: cfg.Claude.PermissionMode,
		Logger:         logger,
		TracerProvider: traces.TracerProvider(),
	})
	srv, err := server.New(server.Options{
		Config:      cfg,
		Registry:    reg,
		Runner:      run,
		Store:       store,
		StorageKind: kind,
		Workspace:   ws,
		Feed:        feed,
		Logger:      logger,
		Tracing:     traces.Enabled(),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Bind, strconv.Itoa(cfg.Server.Port)),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("agentrelay listening",
		zap.String("addr", "http://"+httpServer.Addr+cfg.Server.BasePath),
		zap.String("workspace", ws.Path()),
		zap.String("storage", string(kind)),
		zap.Strings("allow_cidrs", cfg.Server.AllowCIDRs),
		zap.Int("max_sessions", cfg.Agents.MaxSessions),
		zap.Bool("tracing", traces.Enabled()),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serving http: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	// Ending the runs and the feed closes every open event stream, which
	// lets the HTTP server drain.
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Warn("registry shutdown", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("event feed shutdown", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := traces.Shutdown(shutdownCtx); err != nil {
		logger.Warn("trace export shutdown", zap.Error(err))
	}
	return serveErr
}
