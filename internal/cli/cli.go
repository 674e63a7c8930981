// Package cli defines the agentrelay command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"agentrelay/internal/config"
	"agentrelay/internal/storage"
	"agentrelay/internal/transcript"
)

// Version is stamped at build time with -ldflags "-X agentrelay/internal/cli.Version=...".
var Version = "dev"

// CLI is the root command.
type CLI struct {
	Config   string `short:"c" type:"path" help:"Config file (default: agentrelay.yaml in /etc/agentrelay, the user config dir or .)"`
	LogLevel string `help:"Override the log level (debug, info, warn, error)"`

	Serve    ServeCmd    `cmd:"" help:"Run the HTTP server"`
	Sessions SessionsCmd `cmd:"" help:"Inspect stored transcripts"`
	Version  VersionCmd  `cmd:"" help:"Print the version"`
}

// Globals carries what every command needs.
type Globals struct {
	Config *config.Config
	Logger *zap.Logger
	Stdout io.Writer
}

// LoadConfig reads the configuration named by --config or found in the
// default locations.
func (c *CLI) LoadConfig() (*config.Config, error) {
	if c.Config != "" {
		return config.LoadFromFile(c.Config)
	}
	return config.Load()
}

func (g *Globals) stdout() io.Writer {
	if g.Stdout != nil {
		return g.Stdout
	}
	return os.Stdout
}

// openStore builds the configured transcript store and a function that
// releases it.
func (g *Globals) openStore(ctx context.Context) (transcript.Store, storage.Kind, func(), error) {
	store, kind, err := storage.New(ctx, g.Config.Storage, g.Logger)
	if err != nil {
		return nil, "", nil, fmt.Errorf("opening transcript store: %w", err)
	}
	release := func() {
		if closer, ok := store.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				g.Logger.Warn("closing transcript store", zap.Error(err))
			}
		}
	}
	return store, kind, release, nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	_, err := fmt.Fprintf(g.stdout(), "agentrelay %s\n", Version)
	return err
}
