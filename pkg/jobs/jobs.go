// Package jobs runs the archiver's long-lived operations (guild scrapes,
// attachment downloads, cross-store transfers) as singleton background
// tasks with cancellation and progress reporting. Each manager owns at most
// one live job; finished jobs land in a bounded history.
package jobs

import "errors"

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Busy reports whether the job still occupies its manager.
func (s Status) Busy() bool {
	return s == StatusPending || s == StatusRunning
}

// Terminal reports whether the job reached a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrBusy is returned when a manager is already running a job.
var ErrBusy = errors.New("a job is already running")

// ErrEmptyChannels rejects a scrape request whose channel selection is
// present but empty.
var ErrEmptyChannels = errors.New("channel_ids must not be empty")

// historyLimit bounds each manager's completed-job history.
const historyLimit = 100

// Recorder observes job lifecycle events for metrics. Implementations must
// be safe for concurrent use.
type Recorder interface {
	JobStarted(kind string)
	JobFinished(kind string, status Status, seconds float64, items int)
}

// nopRecorder backs managers constructed without a recorder.
type nopRecorder struct{}

func (nopRecorder) JobStarted(string)                        {}
func (nopRecorder) JobFinished(string, Status, float64, int) {}
