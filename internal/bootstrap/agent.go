package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"

	"github.com/aduggleby/octoporty-sub001/internal/agent"
	"github.com/aduggleby/octoporty-sub001/internal/config"
)

// RunAgent wires and runs the agent process until the context ends.
func RunAgent(ctx context.Context) error {
	_ = godotenv.Load()
	cfg := config.Load()
	if err := cfg.ValidateAgent(); err != nil {
		return fmt.Errorf("invalid agent configuration: %w", err)
	}

	SetupLogger(cfg)
	slog.InfoContext(ctx, "Octoporty agent is starting",
		"version", config.Version,
		"gateway", cfg.GatewayURL,
		"mappings_file", cfg.MappingsFile,
	)

	source := agent.NewSource(cfg.MappingsFile)
	if err := source.Load(ctx); err != nil {
		// An empty set still connects; the watcher picks the file up later.
		slog.WarnContext(ctx, "Starting without mappings", "error", err)
	}
	go func() {
		if err := source.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "Mapping file watcher stopped", "error", err)
		}
	}()

	client := agent.NewClient(cfg, source)
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("agent: %w", err)
	}

	slog.InfoContext(ctx, "Octoporty agent shutdown complete")
	return nil
}
