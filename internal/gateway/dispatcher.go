// ABOUTME: Boundary between authorized sessions and the application message bus
// ABOUTME: The default dispatcher only logs what it would forward

package gateway

import (
	"context"
	"log/slog"
)

// Dispatcher receives JSON objects from authorized sessions. Dispatch is
// called from the session's goroutine, in arrival order.
type Dispatcher interface {
	Dispatch(ctx context.Context, s Session, payload map[string]any)
}

// DispatcherFunc adapts a function to a Dispatcher.
type DispatcherFunc func(ctx context.Context, s Session, payload map[string]any)

func (f DispatcherFunc) Dispatch(ctx context.Context, s Session, payload map[string]any) {
	f(ctx, s, payload)
}

type logDispatcher struct {
	logger *slog.Logger
}

func (d logDispatcher) Dispatch(_ context.Context, s Session, payload map[string]any) {
	typ, _ := payload["type"].(string)
	d.logger.Debug("session frame",
		"connection_id", s.ID,
		"device_id", s.DeviceID,
		"type", typ,
	)
}
