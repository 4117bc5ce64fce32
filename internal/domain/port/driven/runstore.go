package driven

import (
	"context"

	"github.com/ericfisherdev/archguard/internal/domain/model"
)

// RunStore defines the driven port for tracked-run persistence. It is the only
// shared mutable resource of the orchestrator; all mutation goes through
// Insert or CompareAndSet, never a blind overwrite, so correctness holds even
// across multiple orchestrator processes.
type RunStore interface {
	// Get returns the tracked run for the key, or nil when the key has never
	// been tracked.
	Get(ctx context.Context, key model.OrchestrationKey) (*model.TrackedRun, error)
	// Insert creates the record with Version 1. Returns false without error
	// when a record for the key already exists (lost the creation race).
	Insert(ctx context.Context, run model.TrackedRun) (bool, error)
	// CompareAndSet writes run only if the stored version still equals
	// expectedVersion, bumping Version by one. Returns false without error
	// when the version moved (lost a transition race).
	CompareAndSet(ctx context.Context, run model.TrackedRun, expectedVersion int64) (bool, error)
}
