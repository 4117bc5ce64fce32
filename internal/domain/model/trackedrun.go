package model

import (
	"strings"
	"time"
)

// RunState is the lifecycle state of a tracked check run.
type RunState string

const (
	RunStateQueued     RunState = "queued"
	RunStateInProgress RunState = "in_progress"
	RunStateCompleted  RunState = "completed"
)

// Check run conclusions accepted by the GitHub Checks API.
const (
	ConclusionSuccess        string = "success"
	ConclusionFailure        string = "failure"
	ConclusionNeutral        string = "neutral"
	ConclusionCancelled      string = "cancelled"
	ConclusionTimedOut       string = "timed_out"
	ConclusionActionRequired string = "action_required"
)

// OrchestrationKey identifies one logical check-run lifecycle instance.
// Owner and repo arrive lower-cased from GitHub already; the SHA is hex and
// case-insensitive, so NewOrchestrationKey lowers it to keep keys canonical.
type OrchestrationKey struct {
	Owner     string
	Repo      string
	SHA       string
	CheckName string
}

// NewOrchestrationKey builds a canonical key for the given coordinates.
func NewOrchestrationKey(owner, repo, sha, checkName string) OrchestrationKey {
	return OrchestrationKey{
		Owner:     owner,
		Repo:      repo,
		SHA:       strings.ToLower(sha),
		CheckName: checkName,
	}
}

// String renders the key in a stable form suitable for logging and for
// partitioning per-key locks.
func (k OrchestrationKey) String() string {
	return k.Owner + "/" + k.Repo + "@" + k.SHA + "#" + k.CheckName
}

// TrackedRun is the durable record of one check-run lifecycle instance.
// CheckRunID is zero while creation has been claimed but the GitHub API call
// has not yet succeeded; a later delivery for the same key re-attempts
// creation in that case instead of assuming success.
//
// Version increases by one on every accepted write and is the expected-value
// handle for the store's compare-and-set. Records are never deleted.
type TrackedRun struct {
	Key            OrchestrationKey
	CheckRunID     int64
	InstallationID int64
	State          RunState
	Conclusion     string
	// Failing carries an operator-visible reason when a permanent API error
	// stopped the lifecycle. It is distinct from a Completed state.
	Failing   string
	Version   int64
	UpdatedAt time.Time
}

// Completed reports whether the run reached a terminal state.
func (r *TrackedRun) Completed() bool {
	return r.State == RunStateCompleted
}

// PendingCreation reports whether the record was claimed but no check run
// exists on GitHub yet.
func (r *TrackedRun) PendingCreation() bool {
	return r.CheckRunID == 0
}
