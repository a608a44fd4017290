package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/presenced/internal/action"
	"github.com/CZERTAINLY/presenced/internal/log"
)

// Run builds the action client for cfg and runs the loop until ctx is done.
func Run(ctx context.Context, cfg Config, opts ...Option) error {
	ctx = log.ContextAttrs(ctx,
		slog.String("tool", cfg.Tool),
		slog.String("run_id", cfg.RunID),
	)

	client, err := action.NewHTTPClient(cfg.Action)
	if err != nil {
		return fmt.Errorf("initializing action client: %w", err)
	}

	return NewLoop(client, cfg.Schedule, opts...).Run(ctx)
}
