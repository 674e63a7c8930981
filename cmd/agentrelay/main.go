package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"agentrelay/internal/cli"
	"agentrelay/internal/logging"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c,
		kong.Name("agentrelay"),
		kong.Description("Coordinate Claude agent sessions over HTTP: stream turns, route permission prompts to humans, keep transcripts."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	)

	cfg, err := c.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentrelay: %v\n", err)
		os.Exit(1)
	}
	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentrelay: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	err = ctx.Run(&cli.Globals{Config: cfg, Logger: logger, Stdout: os.Stdout})
	if err != nil {
		_ = logger.Sync()
		fmt.Fprintf(os.Stderr, "agentrelay: %v\n", err)
		os.Exit(1)
	}
}
