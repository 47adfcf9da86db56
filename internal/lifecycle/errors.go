package lifecycle

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/mission-vault/internal/jobrunner"
)

// Kind classifies why a job did not produce results.
type Kind string

// Failure kinds surfaced by the controller.
const (
	KindInvalidMission Kind = "invalid_mission"
	KindSubmit         Kind = "submit_error"
	KindPoll           Kind = "poll_error"
	KindFetch          Kind = "fetch_error"
	KindRunFailed      Kind = "run_failed"
	KindAborted        Kind = "aborted"
	KindTimeout        Kind = "timeout"
	KindCancelled      Kind = "cancelled"
)

// JobFailure is returned for every controller error. Status holds the last
// observed remote status, if any.
type JobFailure struct {
	Kind   Kind
	JobID  string
	Status jobrunner.Status
	Err    error
}

func (f *JobFailure) Error() string {
	msg := string(f.Kind)
	if f.JobID != "" {
		msg = fmt.Sprintf("job %s: %s", f.JobID, f.Kind)
	}
	if f.Status != "" {
		msg = fmt.Sprintf("%s (status %s)", msg, f.Status)
	}
	if f.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, f.Err)
	}
	return msg
}

func (f *JobFailure) Unwrap() error {
	return f.Err
}

// FailureKind extracts the Kind from err when it wraps a JobFailure.
func FailureKind(err error) (Kind, bool) {
	var failure *JobFailure
	if errors.As(err, &failure) {
		return failure.Kind, true
	}
	return "", false
}
