// Package logsink writes guard events to a slog.Logger at debug level.
package logsink

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Gurpartap/runguard/guard"
)

type sink struct {
	logger *slog.Logger
}

// New returns nil for a nil logger so callers can skip the sink entirely.
func New(logger *slog.Logger) guard.Publisher {
	if logger == nil {
		return nil
	}
	return sink{logger: logger}
}

func (s sink) Publish(ctx context.Context, event guard.Event) error {
	if ctx == nil {
		return guard.ErrContextNil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if !s.logger.Enabled(ctx, slog.LevelDebug) {
		return nil
	}

	eventPayload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	s.logger.LogAttrs(ctx, slog.LevelDebug, "execution event",
		slog.String("execution_id", string(event.ExecutionID)),
		slog.String("kind", string(event.Kind)),
		slog.Int64("seq", event.Seq),
		slog.String("event", string(eventPayload)),
	)
	return nil
}
