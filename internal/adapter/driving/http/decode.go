// Package httphandler is the HTTP driving adapter: it receives GitHub webhook
// deliveries, decodes and normalizes them, and exposes the analyzer result
// and inspection endpoints.
package httphandler

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupportedEvent indicates an X-GitHub-Event type the decoder does not
// handle. Unsupported events are acknowledged and dropped, never failed.
var ErrUnsupportedEvent = errors.New("unsupported event type")

// ErrMalformedPayload indicates a payload that is not valid JSON or is
// missing fields the orchestrator cannot work without.
var ErrMalformedPayload = errors.New("malformed event payload")

// zeroSHA is the placeholder commit GitHub sends on branch deletion pushes.
const zeroSHA = "0000000000000000000000000000000000000000"

// User is the sender or owner account embedded in webhook payloads.
type User struct {
	Login string `json:"login"`
}

// Repository identifies the repository a delivery belongs to.
type Repository struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Owner    User   `json:"owner"`
}

// Installation carries the GitHub App installation the delivery was sent for.
type Installation struct {
	ID int64 `json:"id"`
}

// PushEvent is the payload of a push delivery. Deleted pushes carry the
// all-zero after SHA.
type PushEvent struct {
	Ref          string       `json:"ref"`
	After        string       `json:"after"`
	Deleted      bool         `json:"deleted"`
	Repository   Repository   `json:"repository"`
	Installation Installation `json:"installation"`
	Sender       User         `json:"sender"`
}

// PullRequestEvent is the payload of a pull_request delivery.
type PullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Merged bool `json:"merged"`
		Head   struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository   Repository   `json:"repository"`
	Installation Installation `json:"installation"`
	Sender       User         `json:"sender"`
}

// CheckRunEvent is the payload of a check_run delivery.
type CheckRunEvent struct {
	Action   string `json:"action"`
	CheckRun struct {
		ID      int64  `json:"id"`
		Name    string `json:"name"`
		HeadSHA string `json:"head_sha"`
	} `json:"check_run"`
	Repository   Repository   `json:"repository"`
	Installation Installation `json:"installation"`
	Sender       User         `json:"sender"`
}

// CheckSuiteEvent is the payload of a check_suite delivery.
type CheckSuiteEvent struct {
	Action     string `json:"action"`
	CheckSuite struct {
		HeadSHA    string `json:"head_sha"`
		HeadBranch string `json:"head_branch"`
	} `json:"check_suite"`
	Repository   Repository   `json:"repository"`
	Installation Installation `json:"installation"`
	Sender       User         `json:"sender"`
}

// DecodeEvent parses a raw webhook body into its typed event. Unknown JSON
// fields are ignored so GitHub can extend payloads without breaking the
// decoder. The returned value is one of *PushEvent, *PullRequestEvent,
// *CheckRunEvent, or *CheckSuiteEvent.
func DecodeEvent(eventType string, payload []byte) (any, error) {
	switch eventType {
	case "push":
		var event PushEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if err := validateRepository(event.Repository); err != nil {
			return nil, err
		}
		if event.After == "" {
			return nil, fmt.Errorf("%w: push event missing after SHA", ErrMalformedPayload)
		}
		return &event, nil

	case "pull_request":
		var event PullRequestEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if err := validateRepository(event.Repository); err != nil {
			return nil, err
		}
		if event.Action == "" {
			return nil, fmt.Errorf("%w: pull_request event missing action", ErrMalformedPayload)
		}
		if event.PullRequest.Head.SHA == "" {
			return nil, fmt.Errorf("%w: pull_request event missing head SHA", ErrMalformedPayload)
		}
		return &event, nil

	case "check_run":
		var event CheckRunEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if err := validateRepository(event.Repository); err != nil {
			return nil, err
		}
		if event.Action == "" {
			return nil, fmt.Errorf("%w: check_run event missing action", ErrMalformedPayload)
		}
		if event.CheckRun.HeadSHA == "" {
			return nil, fmt.Errorf("%w: check_run event missing head SHA", ErrMalformedPayload)
		}
		return &event, nil

	case "check_suite":
		var event CheckSuiteEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if err := validateRepository(event.Repository); err != nil {
			return nil, err
		}
		if event.Action == "" {
			return nil, fmt.Errorf("%w: check_suite event missing action", ErrMalformedPayload)
		}
		if event.CheckSuite.HeadSHA == "" {
			return nil, fmt.Errorf("%w: check_suite event missing head SHA", ErrMalformedPayload)
		}
		return &event, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, eventType)
	}
}

func validateRepository(repo Repository) error {
	if repo.Owner.Login == "" || repo.Name == "" {
		return fmt.Errorf("%w: event missing repository identity", ErrMalformedPayload)
	}
	return nil
}
