package model

// CheckExecutionArgs is the request contract the orchestrator emits to the
// Checks API gateway. ExistingCheckRunID zero means "create a new check run";
// non-zero means "update check run with that id". Constructed exclusively by
// the orchestrator and consumed by exactly one gateway call.
type CheckExecutionArgs struct {
	RepoOwner          string
	RepoName           string
	CommitSHA          string
	CheckName          string
	InstallationID     int64
	ExistingCheckRunID int64
	InitialTitle       string
	InitialSummary     string
}

// CheckResult is the verdict handed over by the external analyzer when it
// finishes, used to complete a check run.
type CheckResult struct {
	Conclusion string
	Title      string
	Summary    string
}

// CheckRunUpdate describes the state an existing check run should move to.
// Result must be set when Status is RunStateCompleted and is ignored
// otherwise.
type CheckRunUpdate struct {
	Status RunState
	Result *CheckResult
}
