package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var (
	ErrInvalidSpec  = errors.New("invalid download spec")
	ErrJobNotFound  = errors.New("job not found")
	ErrJobActive    = errors.New("job is not in a terminal state")
	ErrJobFinished  = errors.New("job already reached a terminal state")
	ErrNotRetryable = errors.New("job is not failed or cancelled")
)

// JobState is the lifecycle state of a download job.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateRetrying  JobState = "retrying"
	StateCollided  JobState = "collided"
	StateCancelled JobState = "cancelled"
	StateFailed    JobState = "failed"
	StateCompleted JobState = "completed"
)

// Terminal reports whether no further transitions can occur.
func (s JobState) Terminal() bool {
	return s == StateCancelled || s == StateFailed || s == StateCompleted
}

// Kind selects the output flavor of a download.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Spec is the immutable input of a download job.
type Spec struct {
	URL                string
	Kind               Kind
	Quality            string // max video height, e.g. "1080"; empty means best
	Title              string // optional, used for the output file name
	OutputDir          string
	Subtitles          []string // subtitle languages to write
	EmbedMetadata      bool
	EmbedThumbnail     bool
	RateLimit          string // e.g. "1M"
	Proxy              string
	CookiesFromBrowser string
	Force              bool // redownload even if the logical key is archived
	ExtraArgs          []string
}

// Validate checks the spec for the minimum required fields.
func (s Spec) Validate() error {
	if _, err := url.ParseRequestURI(s.URL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if s.Kind != KindVideo && s.Kind != KindAudio {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, s.Kind)
	}
	if s.OutputDir == "" {
		return fmt.Errorf("%w: output dir required", ErrInvalidSpec)
	}
	return nil
}

// LogicalKey identifies the content+format combination for dedup purposes.
// Retries and resubmissions of the same request share it.
func (s Spec) LogicalKey() string {
	q := s.Quality
	if q == "" {
		q = "best"
	}
	return fmt.Sprintf("%s|%s|%s", s.URL, s.Kind, q)
}

var unsafeChars = regexp.MustCompile(`[^\w .()\[\]-]+`)

// FileStem derives the deterministic base name (no extension) for the
// output file: sanitized title, else the video id from the URL, else a
// hash of the URL.
func (s Spec) FileStem() string {
	if t := strings.TrimSpace(s.Title); t != "" {
		return unsafeChars.ReplaceAllString(t, "_")
	}
	if u, err := url.Parse(s.URL); err == nil {
		if id := u.Query().Get("v"); id != "" {
			return unsafeChars.ReplaceAllString(id, "_")
		}
		if p := strings.Trim(u.Path, "/"); p != "" && !strings.Contains(p, "/") {
			return unsafeChars.ReplaceAllString(p, "_")
		}
	}
	sum := sha1.Sum([]byte(s.URL))
	return hex.EncodeToString(sum[:8])
}

// Ext is the container extension the spawned tool is told to produce.
func (s Spec) Ext() string {
	if s.Kind == KindAudio {
		return "m4a"
	}
	return "mp4"
}

// Progress is the last known download progress of a job.
type Progress struct {
	Percent    float64
	Downloaded int64
	Total      int64 // 0 when unknown
	Rate       float64
	ETA        int // seconds, -1 when unknown
}

// Job is one requested download unit and its lifecycle state.
type Job struct {
	ID         string
	LogicalKey string
	Spec       Spec
	State      JobState
	Progress   Progress
	Attempts   int // runs started so far
	OutputPath string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CanRetry reports whether another attempt fits the retry budget.
func (j *Job) CanRetry(maxRetries int) bool {
	return j.Attempts <= maxRetries && !j.State.Terminal()
}

// Clone returns a copy safe to hand out of the job table.
func (j *Job) Clone() Job {
	c := *j
	return c
}
