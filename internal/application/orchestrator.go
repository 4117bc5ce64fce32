// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ericfisherdev/archguard/internal/domain/model"
	"github.com/ericfisherdev/archguard/internal/domain/port/driven"
)

const (
	// casAttempts bounds how often a transition is recomputed after losing a
	// compare-and-set race to another process.
	casAttempts = 3
	// apiCallTimeout bounds a single Checks API call so a stuck call cannot
	// hold the per-key lock indefinitely.
	apiCallTimeout = 30 * time.Second
	// analysisTimeout bounds a dispatched in-process analysis.
	analysisTimeout = 10 * time.Minute

	queuedSummary    = "Architecture analysis queued"
	cancelledTitle   = "Analysis cancelled"
	cancelledSummary = "Pull request closed before analysis completed"
)

// ErrUnknownRun is returned when a completion signal or progress update
// references a key that was never tracked.
var ErrUnknownRun = errors.New("no tracked run for key")

// errTransitionConflict signals that a transition kept losing compare-and-set
// races; the delivery is surfaced as retryable so a redelivery can try again.
var errTransitionConflict = errors.New("transition conflict retries exhausted")

// Orchestrator is the check-run lifecycle state machine. It serializes all
// transitions per orchestration key, coalesces duplicate deliveries, and
// drives the Checks API through bounded retries. The RunStore's
// compare-and-set is the source of truth, so correctness holds even with
// multiple orchestrator processes behind one store.
type Orchestrator struct {
	gateway   driven.ChecksGateway
	store     driven.RunStore
	analyzer  driven.Analyzer
	checkName string

	maxAttempts  int
	retryInitial time.Duration
	keys         *keyMutex
}

// NewOrchestrator creates an Orchestrator publishing check runs under
// checkName. analyzer may be nil, in which case results arrive only through
// ReportResult. maxAttempts bounds API attempts per transition.
func NewOrchestrator(
	gateway driven.ChecksGateway,
	store driven.RunStore,
	analyzer driven.Analyzer,
	checkName string,
	maxAttempts int,
) *Orchestrator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Orchestrator{
		gateway:      gateway,
		store:        store,
		analyzer:     analyzer,
		checkName:    checkName,
		maxAttempts:  maxAttempts,
		retryInitial: 500 * time.Millisecond,
		keys:         newKeyMutex(),
	}
}

// ResolveKey derives the orchestration key for a trigger. The check name is
// deployment configuration, not webhook data.
func (o *Orchestrator) ResolveKey(trigger model.NormalizedTrigger) model.OrchestrationKey {
	return model.NewOrchestrationKey(trigger.Owner, trigger.Repo, trigger.HeadSHA, o.checkName)
}

// HandleTrigger applies one normalized trigger to the state machine. It is
// safe to call concurrently and with duplicate or re-ordered deliveries.
func (o *Orchestrator) HandleTrigger(ctx context.Context, trigger model.NormalizedTrigger) error {
	switch trigger.Kind {
	case model.TriggerPush, model.TriggerPROpened, model.TriggerPRSynchronize:
		return o.ensureRun(ctx, trigger)
	case model.TriggerCheckRerequested:
		return o.rerequest(ctx, trigger)
	case model.TriggerPRClosed:
		return o.cancel(ctx, trigger)
	default:
		slog.Debug("ignoring trigger", "kind", trigger.Kind, "repo", trigger.RepoFullName(), "sha", trigger.HeadSHA)
		return nil
	}
}

// ensureRun guarantees exactly one check run exists for the trigger's key.
// Duplicate deliveries for an already-tracked in-flight or completed run are
// no-ops.
func (o *Orchestrator) ensureRun(ctx context.Context, trigger model.NormalizedTrigger) error {
	key := o.ResolveKey(trigger)
	o.keys.Lock(key.String())
	defer o.keys.Unlock(key.String())

	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, err := o.store.Get(ctx, key)
		if err != nil {
			return err
		}

		if cur == nil {
			claim := model.TrackedRun{
				Key:            key,
				InstallationID: trigger.InstallationID,
				State:          model.RunStateQueued,
			}
			claimed, err := o.store.Insert(ctx, claim)
			if err != nil {
				return err
			}
			if !claimed {
				// Another delivery claimed the key first; recompute.
				continue
			}
			claim.Version = 1
			return o.createRun(ctx, &claim, &trigger, false)
		}

		if cur.Completed() {
			// Already finalized for this commit; re-running requires an
			// explicit rerequest.
			slog.Debug("trigger for completed run ignored", "key", key.String(), "kind", trigger.Kind)
			return nil
		}

		if cur.PendingCreation() {
			// An earlier claim never confirmed the API call; re-attempt and
			// adopt any run a crashed process may have left on GitHub.
			return o.createRun(ctx, cur, &trigger, true)
		}

		slog.Debug("duplicate delivery for in-flight run", "key", key.String(), "kind", trigger.Kind)
		return nil
	}

	return fmt.Errorf("handling %s for %s: %w", trigger.Kind, key, errTransitionConflict)
}

// rerequest forces a fresh queued cycle. A completed run is re-queued on its
// existing check-run id so the run's history stays contiguous in GitHub's UI;
// an untracked key is created like a first-time trigger.
func (o *Orchestrator) rerequest(ctx context.Context, trigger model.NormalizedTrigger) error {
	key := o.ResolveKey(trigger)
	o.keys.Lock(key.String())
	defer o.keys.Unlock(key.String())

	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, err := o.store.Get(ctx, key)
		if err != nil {
			return err
		}

		if cur == nil {
			claim := model.TrackedRun{
				Key:            key,
				InstallationID: trigger.InstallationID,
				State:          model.RunStateQueued,
			}
			claimed, err := o.store.Insert(ctx, claim)
			if err != nil {
				return err
			}
			if !claimed {
				continue
			}
			claim.Version = 1
			return o.createRun(ctx, &claim, &trigger, false)
		}

		if cur.PendingCreation() {
			// No run made it to GitHub yet (pending claim, or cancelled
			// before creation); start the cycle with a create.
			return o.createRun(ctx, cur, &trigger, true)
		}

		if !cur.Completed() {
			// Analysis already in flight; the rerequest changes nothing.
			slog.Debug("rerequest for in-flight run ignored", "key", key.String())
			return nil
		}

		args := o.executionArgs(cur)
		err = o.withRetry(ctx, func(callCtx context.Context) error {
			return o.gateway.UpdateCheckRun(callCtx, args, model.CheckRunUpdate{Status: model.RunStateQueued})
		})
		if err != nil {
			return o.recordFailure(ctx, cur, err)
		}

		updated := *cur
		updated.State = model.RunStateQueued
		updated.Conclusion = ""
		updated.Failing = ""
		ok, err := o.store.CompareAndSet(ctx, updated, cur.Version)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		slog.Info("check run re-queued", "key", key.String(), "check_run_id", updated.CheckRunID)
		o.dispatchAnalysis(updated.Key, &trigger)
		return nil
	}

	return fmt.Errorf("handling rerequest for %s: %w", key, errTransitionConflict)
}

// cancel finalizes a run whose pull request closed before analysis finished.
// Late analyzer results for the key become no-ops afterwards.
func (o *Orchestrator) cancel(ctx context.Context, trigger model.NormalizedTrigger) error {
	key := o.ResolveKey(trigger)
	o.keys.Lock(key.String())
	defer o.keys.Unlock(key.String())

	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, err := o.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if cur == nil || cur.Completed() {
			return nil
		}

		if !cur.PendingCreation() {
			args := o.executionArgs(cur)
			result := model.CheckResult{
				Conclusion: model.ConclusionCancelled,
				Title:      cancelledTitle,
				Summary:    cancelledSummary,
			}
			err = o.withRetry(ctx, func(callCtx context.Context) error {
				return o.gateway.UpdateCheckRun(callCtx, args, model.CheckRunUpdate{Status: model.RunStateCompleted, Result: &result})
			})
			if err != nil {
				return o.recordFailure(ctx, cur, err)
			}
		}

		updated := *cur
		updated.State = model.RunStateCompleted
		updated.Conclusion = model.ConclusionCancelled
		updated.Failing = ""
		ok, err := o.store.CompareAndSet(ctx, updated, cur.Version)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		slog.Info("check run cancelled", "key", key.String())
		return nil
	}

	return fmt.Errorf("handling close for %s: %w", key, errTransitionConflict)
}

// ReportResult is the completion signal from the analysis collaborator. It is
// safe to call at any time: results for completed or cancelled runs are
// no-ops, results for unknown keys return ErrUnknownRun.
func (o *Orchestrator) ReportResult(ctx context.Context, owner, repo, sha string, result model.CheckResult) error {
	key := model.NewOrchestrationKey(owner, repo, sha, o.checkName)
	o.keys.Lock(key.String())
	defer o.keys.Unlock(key.String())

	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, err := o.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("result for %s: %w", key, ErrUnknownRun)
		}
		if cur.Completed() {
			slog.Debug("late result for completed run ignored", "key", key.String())
			return nil
		}

		if cur.PendingCreation() {
			// The claim never reached GitHub; materialize the run first so
			// the verdict has something to land on.
			if err := o.createRun(ctx, cur, nil, true); err != nil {
				return err
			}
			continue
		}

		args := o.executionArgs(cur)
		err = o.withRetry(ctx, func(callCtx context.Context) error {
			return o.gateway.UpdateCheckRun(callCtx, args, model.CheckRunUpdate{Status: model.RunStateCompleted, Result: &result})
		})
		if err != nil {
			return o.recordFailure(ctx, cur, err)
		}

		updated := *cur
		updated.State = model.RunStateCompleted
		updated.Conclusion = result.Conclusion
		updated.Failing = ""
		ok, err := o.store.CompareAndSet(ctx, updated, cur.Version)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		slog.Info("check run completed", "key", key.String(), "conclusion", result.Conclusion)
		return nil
	}

	return fmt.Errorf("reporting result for %s: %w", key, errTransitionConflict)
}

// MarkInProgress moves a queued run to in_progress once analysis starts.
// No-op for completed runs and for claims that have no check run yet.
func (o *Orchestrator) MarkInProgress(ctx context.Context, owner, repo, sha string) error {
	key := model.NewOrchestrationKey(owner, repo, sha, o.checkName)
	o.keys.Lock(key.String())
	defer o.keys.Unlock(key.String())

	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, err := o.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("progress for %s: %w", key, ErrUnknownRun)
		}
		if cur.Completed() || cur.State == model.RunStateInProgress || cur.PendingCreation() {
			return nil
		}

		args := o.executionArgs(cur)
		err = o.withRetry(ctx, func(callCtx context.Context) error {
			return o.gateway.UpdateCheckRun(callCtx, args, model.CheckRunUpdate{Status: model.RunStateInProgress})
		})
		if err != nil {
			return o.recordFailure(ctx, cur, err)
		}

		updated := *cur
		updated.State = model.RunStateInProgress
		ok, err := o.store.CompareAndSet(ctx, updated, cur.Version)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		return nil
	}

	return fmt.Errorf("marking %s in progress: %w", key, errTransitionConflict)
}

// createRun performs the Checks API create for a claimed record and fills in
// the resulting id. When adopt is true, an existing run with the same name is
// looked up first so a crashed predecessor's run is reused instead of
// duplicated. A nil trigger skips the analysis dispatch.
func (o *Orchestrator) createRun(ctx context.Context, run *model.TrackedRun, trigger *model.NormalizedTrigger, adopt bool) error {
	args := o.executionArgs(run)

	var id int64
	err := o.withRetry(ctx, func(callCtx context.Context) error {
		if adopt {
			existing, ok, err := o.gateway.FindCheckRun(callCtx, run.Key.Owner, run.Key.Repo, run.Key.SHA, run.Key.CheckName, run.InstallationID)
			if err != nil {
				return err
			}
			adopt = false
			if ok {
				id = existing
				return nil
			}
		}
		created, err := o.gateway.CreateCheckRun(callCtx, args)
		if err != nil {
			return err
		}
		id = created
		return nil
	})
	if err != nil {
		// The record stays in its pending state so a later delivery
		// re-attempts creation instead of assuming success.
		return o.recordFailure(ctx, run, err)
	}

	updated := *run
	updated.CheckRunID = id
	updated.State = model.RunStateQueued
	updated.Conclusion = ""
	updated.Failing = ""
	ok, err := o.store.CompareAndSet(ctx, updated, run.Version)
	if err != nil {
		return err
	}
	if !ok {
		// Another process confirmed the claim while the API call was in
		// flight; its record wins.
		slog.Debug("lost creation confirmation race", "key", run.Key.String())
		return nil
	}

	slog.Info("check run created", "key", run.Key.String(), "check_run_id", id)
	o.dispatchAnalysis(updated.Key, trigger)
	return nil
}

// recordFailure annotates the tracked run when an API error is permanent so
// the condition is operator-visible; retryable errors leave the record
// untouched for a later re-attempt. The original error is always returned.
func (o *Orchestrator) recordFailure(ctx context.Context, run *model.TrackedRun, apiCallErr error) error {
	var apiErr *driven.APIError
	if errors.As(apiCallErr, &apiErr) && !apiErr.Retryable {
		failed := *run
		failed.Failing = apiErr.Error()
		if ok, err := o.store.CompareAndSet(ctx, failed, run.Version); err != nil {
			slog.Error("failed to annotate tracked run", "key", run.Key.String(), "error", err)
		} else if !ok {
			slog.Debug("skipped failure annotation after lost race", "key", run.Key.String())
		}
		slog.Error("permanent checks api failure", "key", run.Key.String(), "error", apiCallErr)
	}
	return apiCallErr
}

// dispatchAnalysis hands the trigger to the in-process analyzer, if any. The
// analyzer reports back through ReportResult; failures here only log since a
// rerequest can always restart the cycle.
func (o *Orchestrator) dispatchAnalysis(key model.OrchestrationKey, trigger *model.NormalizedTrigger) {
	if o.analyzer == nil || trigger == nil {
		return
	}

	tr := *trigger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), analysisTimeout)
		defer cancel()

		if err := o.MarkInProgress(ctx, key.Owner, key.Repo, key.SHA); err != nil {
			slog.Warn("failed to mark run in progress", "key", key.String(), "error", err)
		}
		if err := o.analyzer.Analyze(ctx, key, tr); err != nil {
			slog.Error("analysis failed", "key", key.String(), "error", err)
		}
	}()
}

// executionArgs builds the gateway request contract for a tracked run.
func (o *Orchestrator) executionArgs(run *model.TrackedRun) model.CheckExecutionArgs {
	return model.CheckExecutionArgs{
		RepoOwner:          run.Key.Owner,
		RepoName:           run.Key.Repo,
		CommitSHA:          run.Key.SHA,
		CheckName:          run.Key.CheckName,
		InstallationID:     run.InstallationID,
		ExistingCheckRunID: run.CheckRunID,
		InitialTitle:       o.checkName,
		InitialSummary:     queuedSummary,
	}
}

// withRetry runs op with bounded exponential backoff. Each attempt gets its
// own timeout so a stuck call cannot hold the per-key lock indefinitely;
// permanent API errors stop the retry loop immediately.
func (o *Orchestrator) withRetry(ctx context.Context, op func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.retryInitial
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(o.maxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, apiCallTimeout)
		defer cancel()

		err := op(callCtx)
		if err == nil {
			return nil
		}

		var apiErr *driven.APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
