package execsrvc

import (
	"context"
)

// Processor is the lifecycle contract shared by the poll and queue
// execution backends.
//
// Initialize verifies the processor's own infrastructure is usable.
// Start launches the dispatch loop(s); Stop drains in-flight
// dispatches before returning, bounded by the caller's context.
// Fatal delivers infrastructure-level failures (queue or storage
// unreachable) to the owning manager, which may fall back to the
// alternate mode. Per-row dispatch errors never appear on Fatal; they
// are written to the affected row.
type Processor interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Mode() Mode
	Fatal() <-chan error
}
