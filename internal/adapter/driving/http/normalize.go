package httphandler

import (
	"github.com/ericfisherdev/archguard/internal/domain/model"
)

// NormalizeEvent reduces a decoded event to the trigger the orchestrator
// consumes. The second return value is false when the event carries no
// trigger at all: branch deletions and check_run/check_suite actions other
// than rerequested. Pull request actions outside the lifecycle set map to
// TriggerOther rather than being dropped here.
func NormalizeEvent(event any) (model.NormalizedTrigger, bool) {
	switch e := event.(type) {
	case *PushEvent:
		if e.Deleted || e.After == zeroSHA {
			// Branch deletion; there is no commit to check.
			return model.NormalizedTrigger{}, false
		}
		return model.NormalizedTrigger{
			Owner:          e.Repository.Owner.Login,
			Repo:           e.Repository.Name,
			HeadSHA:        e.After,
			Ref:            e.Ref,
			Actor:          e.Sender.Login,
			InstallationID: e.Installation.ID,
			Kind:           model.TriggerPush,
		}, true

	case *PullRequestEvent:
		var kind model.TriggerKind
		switch e.Action {
		case "opened":
			kind = model.TriggerPROpened
		case "synchronize", "reopened":
			kind = model.TriggerPRSynchronize
		case "closed":
			kind = model.TriggerPRClosed
		default:
			// labeled, edited, review_requested and friends: carried as Other
			// so the delivery is visible downstream, where it is a no-op.
			kind = model.TriggerOther
		}
		return model.NormalizedTrigger{
			Owner:          e.Repository.Owner.Login,
			Repo:           e.Repository.Name,
			HeadSHA:        e.PullRequest.Head.SHA,
			Ref:            e.PullRequest.Head.Ref,
			Actor:          e.Sender.Login,
			InstallationID: e.Installation.ID,
			Kind:           kind,
		}, true

	case *CheckRunEvent:
		if e.Action != "rerequested" {
			// created/completed deliveries echo this app's own API calls.
			return model.NormalizedTrigger{}, false
		}
		return model.NormalizedTrigger{
			Owner:          e.Repository.Owner.Login,
			Repo:           e.Repository.Name,
			HeadSHA:        e.CheckRun.HeadSHA,
			Actor:          e.Sender.Login,
			InstallationID: e.Installation.ID,
			Kind:           model.TriggerCheckRerequested,
		}, true

	case *CheckSuiteEvent:
		if e.Action != "rerequested" {
			return model.NormalizedTrigger{}, false
		}
		return model.NormalizedTrigger{
			Owner:          e.Repository.Owner.Login,
			Repo:           e.Repository.Name,
			HeadSHA:        e.CheckSuite.HeadSHA,
			Ref:            e.CheckSuite.HeadBranch,
			Actor:          e.Sender.Login,
			InstallationID: e.Installation.ID,
			Kind:           model.TriggerCheckRerequested,
		}, true

	default:
		return model.NormalizedTrigger{}, false
	}
}
