package domain

import "context"

// Process is a handle on one spawned download process.
type Process interface {
	// Events yields process output events in emission order. The channel
	// is closed after the RunnerExit event.
	Events() <-chan RunnerEvent
	// Terminate requests a graceful stop, escalating to a forced kill.
	// Safe to call at any point in the process's life, including twice.
	Terminate()
}

// Runner is the driven port that spawns one download process per call.
type Runner interface {
	Start(ctx context.Context, spec Spec, outputPath string) (Process, error)
}

// ResolutionKind is the outcome of collision resolution.
type ResolutionKind int

const (
	ResolveSkip    ResolutionKind = iota // logical key already archived
	ResolveProceed                       // candidate path is usable as-is
	ResolveRename                        // candidate taken by another key
)

// Resolution is the result of resolving a target path for a job.
type Resolution struct {
	Kind ResolutionKind
	Path string // final output path for Proceed and Rename
}

// Resolver is the driven port for the dedup archive and path collisions.
type Resolver interface {
	// Resolve decides the fate of a candidate output path. Resolutions
	// are serialized so concurrent jobs never claim the same path.
	Resolve(logicalKey, candidate string, force bool) (Resolution, error)
	// Has reports whether the logical key is recorded complete.
	Has(logicalKey string) bool
	// Record appends the logical key to the completion archive.
	Record(logicalKey string) error
}

// JobStore is the driven port for job table persistence. All writes are
// best-effort from the manager's point of view.
type JobStore interface {
	Save(ctx context.Context, job *Job) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]Job, error)
	Close() error
}
