// Package jobrunner defines the boundary to the external service that executes
// scraping jobs. The core only depends on the Runner interface.
package jobrunner

import (
	"context"
	"encoding/json"
)

// Status is the lifecycle state of a remote job as observed by the controller.
type Status string

// Status values reported by a Runner.
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusAborted   Status = "ABORTED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Known reports whether s is one of the statuses defined above.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusAborted, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Request is the job input shape sent on submit. Exactly one of the target
// lists is populated, depending on the mission mode.
type Request struct {
	SearchQueries  []string `json:"searchQueries,omitempty"`
	TwitterHandles []string `json:"twitterHandles,omitempty"`
	StartURLs      []string `json:"startUrls,omitempty"`
	ScrapeProfile  bool     `json:"scrapeProfile,omitempty"`
	MaxItems       int      `json:"maxItems"`
	AddUserInfo    bool     `json:"addUserInfo"`
}

// Job identifies one remote execution.
type Job struct {
	ID         string `json:"id"`
	DatasetRef string `json:"dataset_ref"`
	Status     Status `json:"status"`
}

// Runner submits jobs and observes them. Implementations are responsible for
// transport and authentication.
type Runner interface {
	Submit(ctx context.Context, req Request) (Job, error)
	Status(ctx context.Context, jobID string) (Status, error)
	Items(ctx context.Context, datasetRef string) ([]json.RawMessage, error)
}
