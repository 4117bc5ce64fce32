package driven

import (
	"context"
	"fmt"

	"github.com/ericfisherdev/archguard/internal/domain/model"
)

// ChecksGateway defines the driven port for the GitHub Checks API. The gateway
// performs exactly the call it is given; idempotency across duplicate webhook
// deliveries is the orchestrator's responsibility.
type ChecksGateway interface {
	// CreateCheckRun creates a queued check run for args.CommitSHA and returns
	// the GitHub check run id.
	CreateCheckRun(ctx context.Context, args model.CheckExecutionArgs) (int64, error)
	// UpdateCheckRun moves the check run identified by args.ExistingCheckRunID
	// to the given state: back to queued for a rerequested cycle, to
	// in_progress when analysis starts, or to completed with update.Result.
	UpdateCheckRun(ctx context.Context, args model.CheckExecutionArgs, update model.CheckRunUpdate) error
	// FindCheckRun looks up an existing check run with the given name for a
	// commit. Used to adopt a run created by a process that crashed before
	// recording the id. Returns ok=false when no such run exists.
	FindCheckRun(ctx context.Context, owner, repo, sha, name string, installationID int64) (id int64, ok bool, err error)
}

// APIError classifies a failed gateway call. Retryable errors (5xx, timeouts,
// rate limits) are retried with bounded backoff; permanent errors (other 4xx)
// surface to the operator channel and annotate the tracked run.
type APIError struct {
	Retryable  bool
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("github api error (%s, status %d): %v", kind, e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}
