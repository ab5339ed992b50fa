// Package retry classifies download failures and computes backoff.
package retry

import (
	"strings"
	"time"
)

// Class is the failure classification controlling requeue vs finalize.
type Class int

const (
	// Retryable failures are transient: the job is requeued after backoff.
	Retryable Class = iota
	// Fatal failures finalize the job immediately.
	Fatal
)

func (c Class) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "retryable"
}

// Fatal signatures are checked first: an auth failure wrapped in a
// timeout message must not loop forever.
var fatalSignatures = []string{
	"http error 401",
	"http error 403",
	"http error 404",
	"sign in to confirm",
	"private video",
	"video unavailable",
	"this video is not available",
	"account terminated",
	"copyright",
	"unsupported url",
	"is not a valid url",
	"requested format is not available",
	"incomplete youtube id",
	"permission denied",
	"executable file not found",
	"no such file or directory",
}

var retryableSignatures = []string{
	"http error 429",
	"too many requests",
	"rate limit",
	"rate-limit",
	"http error 500",
	"http error 502",
	"http error 503",
	"http error 504",
	"timed out",
	"timeout",
	"connection reset",
	"connection refused",
	"temporary failure",
	"temporarily unavailable",
	"unable to download webpage",
	"got error",
	"fragment",
	"network is unreachable",
}

// Classify decides whether a failed run is worth another attempt based
// on the exit code and the accumulated diagnostic text.
func Classify(exitCode int, diagnostic string) Class {
	text := strings.ToLower(diagnostic)
	for _, sig := range fatalSignatures {
		if strings.Contains(text, sig) {
			return Fatal
		}
	}
	for _, sig := range retryableSignatures {
		if strings.Contains(text, sig) {
			return Retryable
		}
	}
	// Unknown failures (including exits by signal) default to
	// Retryable; the attempt cap bounds the damage.
	return Retryable
}

// Policy holds the retry budget and backoff curve.
type Policy struct {
	MaxRetries int           // retries after the first run
	Base       time.Duration // first backoff delay
	Cap        time.Duration // backoff ceiling
}

// DefaultPolicy mirrors the tool defaults: three retries, 2s..60s backoff.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, Base: 2 * time.Second, Cap: time.Minute}
}

// Backoff returns the delay before the given attempt is requeued,
// doubling per consumed attempt up to the cap.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}
