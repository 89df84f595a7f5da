// Package producer publishes auth events to Kafka and reads them back for the worker.
package producer

import (
	"context"

	"trend-reversal/backend/internal/telemetry"
)

// Producer emits auth events. Callers use it best-effort: log and ignore errors.
type Producer interface {
	Emit(ctx context.Context, event *telemetry.AuthEvent) error
	// Close releases resources. Safe to call if already closed.
	Close() error
}
