package domain

import "time"

// Event is one observable job-state change, published to subscribers
// for every transition and (throttled) for progress while running.
type Event struct {
	JobID    string    `json:"job_id"`
	Prev     JobState  `json:"previous_state"`
	State    JobState  `json:"new_state"`
	Progress *Progress `json:"progress,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// RunnerEventKind discriminates events emitted by a running process.
type RunnerEventKind int

const (
	RunnerProgress RunnerEventKind = iota
	RunnerLog
	RunnerExit
)

// RunnerEvent is one event from a spawned download process. Exactly one
// RunnerExit terminates the stream.
type RunnerEvent struct {
	Kind       RunnerEventKind
	Progress   Progress // valid for RunnerProgress
	Line       string   // valid for RunnerLog
	ExitCode   int      // valid for RunnerExit; -1 when spawning failed
	Diagnostic string   // accumulated stderr/error text, valid for RunnerExit
}
