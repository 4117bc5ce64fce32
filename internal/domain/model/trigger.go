package model

// TriggerKind classifies what caused a check run to be (re)considered.
type TriggerKind string

const (
	TriggerPush             TriggerKind = "push"
	TriggerPROpened         TriggerKind = "pr_opened"
	TriggerPRSynchronize    TriggerKind = "pr_synchronize"
	TriggerPRClosed         TriggerKind = "pr_closed"
	TriggerCheckRerequested TriggerKind = "check_rerequested"
	TriggerOther            TriggerKind = "other"
)

// NormalizedTrigger is the canonical reduction of an accepted webhook delivery.
// It is produced once per delivery and never mutated afterwards; every
// downstream component works off this record instead of the raw payload.
type NormalizedTrigger struct {
	Owner          string
	Repo           string
	HeadSHA        string
	Ref            string
	Actor          string
	InstallationID int64
	Kind           TriggerKind
}

// RepoFullName returns the "owner/repo" form used in logs and API paths.
func (t NormalizedTrigger) RepoFullName() string {
	return t.Owner + "/" + t.Repo
}
