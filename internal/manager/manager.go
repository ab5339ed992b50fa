// Package manager owns the job table and drives the download state
// machine. All mutations are serialized through the manager's lock;
// process runners only feed events back through it.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/snatcher/internal/domain"
	"github.com/cwygoda/snatcher/internal/retry"
)

var ErrClosed = errors.New("manager is closed")

// Config holds the manager's tunables.
type Config struct {
	MaxConcurrency   int
	Policy           retry.Policy
	ProgressInterval time.Duration // minimum interval between progress events per job
}

// Manager is the download queue orchestrator.
type Manager struct {
	runner   domain.Runner
	resolver domain.Resolver
	store    domain.JobStore // optional

	policy        retry.Policy
	progressEvery time.Duration

	mu       sync.Mutex
	jobs     map[string]*domain.Job
	order    []string // insertion order, for FIFO admission and listing
	procs    map[string]*activeRun
	running  int
	maxConc  int
	subs     map[*subscriber]struct{}
	lastPub  map[string]time.Time
	closed   bool
	shutdown context.CancelFunc
	ctx      context.Context
	wg       sync.WaitGroup
}

// activeRun tracks the process of the job's current attempt. The
// attempt number acts as a token: events from an older attempt are
// discarded.
type activeRun struct {
	attempt int
	proc    domain.Process
}

// New creates a manager. store may be nil to run without persistence.
func New(runner domain.Runner, resolver domain.Resolver, store domain.JobStore, cfg Config) *Manager {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 2
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 500 * time.Millisecond
	}
	if cfg.Policy.MaxRetries == 0 && cfg.Policy.Base == 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		runner:        runner,
		resolver:      resolver,
		store:         store,
		policy:        cfg.Policy,
		progressEvery: cfg.ProgressInterval,
		jobs:          make(map[string]*domain.Job),
		procs:         make(map[string]*activeRun),
		maxConc:       cfg.MaxConcurrency,
		subs:          make(map[*subscriber]struct{}),
		lastPub:       make(map[string]time.Time),
		ctx:           ctx,
		shutdown:      cancel,
	}
}

// Restore loads persisted jobs and returns interrupted ones to the
// queue, the same crash recovery a restart of the worker needs.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	jobs, err := m.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })

	m.mu.Lock()
	defer m.mu.Unlock()
	recovered := 0
	for i := range jobs {
		job := jobs[i]
		switch job.State {
		case domain.StateRunning, domain.StateCollided, domain.StateRetrying:
			job.State = domain.StateQueued
			job.Error = "recovered after restart"
			recovered++
		}
		m.jobs[job.ID] = &job
		m.order = append(m.order, job.ID)
		m.saveLocked(&job)
	}
	if recovered > 0 {
		log.Printf("recovered %d interrupted job(s)", recovered)
	}
	m.admitLocked()
	return nil
}

// Enqueue admits a new download request. It returns immediately; the
// job runs when a concurrency slot frees up. A live job with the same
// logical key collapses into the existing one; an archived key (without
// force) completes immediately without spawning a process.
func (m *Manager) Enqueue(spec domain.Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	key := spec.LogicalKey()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	for _, id := range m.order {
		if j := m.jobs[id]; j.LogicalKey == key && !j.State.Terminal() {
			return j.ID, nil
		}
	}

	now := time.Now()
	job := &domain.Job{
		ID:         uuid.NewString(),
		LogicalKey: key,
		Spec:       spec,
		State:      domain.StateQueued,
		Progress:   domain.Progress{ETA: -1},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
	m.publishLocked(job, "")
	m.saveLocked(job)

	if !spec.Force && m.resolver.Has(key) {
		log.Printf("job %s: %s already archived, skipping", job.ID, key)
		m.transitionLocked(job, domain.StateCompleted)
		return job.ID, nil
	}

	m.admitLocked()
	return job.ID, nil
}

// Cancel marks the job cancelled. A queued job never spawns a process;
// a running job's process is terminated asynchronously and its late
// exit event is discarded (cancel wins).
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	switch job.State {
	case domain.StateQueued, domain.StateRetrying:
		m.transitionLocked(job, domain.StateCancelled)
	case domain.StateRunning, domain.StateCollided:
		m.transitionLocked(job, domain.StateCancelled)
		if r := m.procs[id]; r != nil {
			go r.proc.Terminate()
		}
	default:
		return domain.ErrJobFinished
	}
	return nil
}

// Retry requeues a failed or cancelled job with a fresh attempt budget.
func (m *Manager) Retry(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State != domain.StateFailed && job.State != domain.StateCancelled {
		return domain.ErrNotRetryable
	}
	job.Attempts = 0
	job.Error = ""
	m.transitionLocked(job, domain.StateQueued)
	m.admitLocked()
	return nil
}

// Remove deletes a terminal-state job from the table.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if !job.State.Terminal() {
		return domain.ErrJobActive
	}
	delete(m.jobs, id)
	delete(m.lastPub, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.store != nil {
		if err := m.store.Delete(context.Background(), id); err != nil {
			log.Printf("job %s: delete from store: %v", id, err)
		}
	}
	return nil
}

// SetMaxConcurrency adjusts the concurrency cap and admits jobs if it grew.
func (m *Manager) SetMaxConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("max concurrency must be >= 1, got %d", n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxConc = n
	m.admitLocked()
	return nil
}

// Get returns a snapshot of one job.
func (m *Manager) Get(id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns snapshots of all jobs in submission order.
func (m *Manager) List() []domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Job, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.jobs[id].Clone())
	}
	return out
}

// Subscribe registers an event consumer. The returned cancel function
// must be called to release the subscription.
func (m *Manager) Subscribe() (<-chan domain.Event, func()) {
	s := newSubscriber()
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()
	return s.out, func() {
		m.mu.Lock()
		delete(m.subs, s)
		m.mu.Unlock()
		s.stop()
	}
}

// Close terminates running processes and waits for their event streams
// to drain. Interrupted jobs keep their persisted state and are
// recovered by Restore on the next start.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.shutdown()
	for _, r := range m.procs {
		go r.proc.Terminate()
	}
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	for s := range m.subs {
		s.stop()
	}
	m.subs = make(map[*subscriber]struct{})
	m.mu.Unlock()
}

// admitLocked promotes the oldest queued jobs while slots are free.
// FIFO over submission order is a deliberate fairness guarantee for
// batch submissions.
func (m *Manager) admitLocked() {
	if m.closed {
		return
	}
	for m.running < m.maxConc {
		job := m.nextQueuedLocked()
		if job == nil {
			return
		}
		m.startLocked(job)
	}
}

func (m *Manager) nextQueuedLocked() *domain.Job {
	for _, id := range m.order {
		if j := m.jobs[id]; j.State == domain.StateQueued {
			return j
		}
	}
	return nil
}

func (m *Manager) candidatePath(job *domain.Job) string {
	if job.OutputPath != "" {
		return job.OutputPath // resolved on a previous attempt, immutable
	}
	return filepath.Join(job.Spec.OutputDir, job.Spec.FileStem()+"."+job.Spec.Ext())
}

// startLocked resolves the output path and spawns the job's process.
func (m *Manager) startLocked(job *domain.Job) {
	res, err := m.resolver.Resolve(job.LogicalKey, m.candidatePath(job), job.Spec.Force)
	if err != nil {
		log.Printf("job %s: resolve failed, proceeding unresolved: %v", job.ID, err)
		res = domain.Resolution{Kind: domain.ResolveProceed, Path: m.candidatePath(job)}
	}

	switch res.Kind {
	case domain.ResolveSkip:
		log.Printf("job %s: already archived, skipping", job.ID)
		m.transitionLocked(job, domain.StateCompleted)
		return
	case domain.ResolveRename:
		// Observable but transient: the collision is resolved
		// automatically and the job continues with the renamed path.
		m.transitionLocked(job, domain.StateCollided)
		job.OutputPath = res.Path
	case domain.ResolveProceed:
		job.OutputPath = res.Path
	}

	job.Attempts++
	m.transitionLocked(job, domain.StateRunning)

	proc, err := m.runner.Start(m.ctx, job.Spec, job.OutputPath)
	if err != nil {
		// Spawn failures are fatal: a missing binary will not heal
		// by retrying.
		job.Error = err.Error()
		m.transitionLocked(job, domain.StateFailed)
		return
	}

	m.running++
	m.procs[job.ID] = &activeRun{attempt: job.Attempts, proc: proc}
	m.wg.Add(1)
	go m.consume(job.ID, job.Attempts, proc)
}

// consume pumps one process's events into the state machine. It is the
// only goroutine reading that process's stream, so per-job ordering is
// preserved.
func (m *Manager) consume(id string, attempt int, proc domain.Process) {
	defer m.wg.Done()
	for ev := range proc.Events() {
		switch ev.Kind {
		case domain.RunnerProgress:
			m.onProgress(id, attempt, ev.Progress)
		case domain.RunnerExit:
			m.onExit(id, attempt, ev.ExitCode, ev.Diagnostic)
		}
	}
}

func (m *Manager) onProgress(id string, attempt int, p domain.Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return
	}
	r := m.procs[id]
	if r == nil || r.attempt != attempt || job.State != domain.StateRunning {
		return // stale attempt or no longer running
	}
	// A late out-of-order line must not regress the displayed percent.
	if p.Percent < job.Progress.Percent {
		return
	}
	job.Progress = p
	job.UpdatedAt = time.Now()

	if time.Since(m.lastPub[id]) < m.progressEvery {
		return
	}
	m.lastPub[id] = time.Now()
	m.publishLocked(job, domain.StateRunning)
}

func (m *Manager) onExit(id string, attempt int, code int, diagnostic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.procs[id]
	if r == nil || r.attempt != attempt {
		return // a newer attempt owns the job
	}
	delete(m.procs, id)
	m.running--

	job, ok := m.jobs[id]
	if !ok || m.closed {
		m.admitLocked()
		return
	}
	if job.State == domain.StateCancelled {
		// Cancel wins over a racing exit; the state is not resurrected.
		m.admitLocked()
		return
	}

	// Success is a zero exit with no error lines; the tool can exit 0
	// after reporting per-entry errors.
	if code == 0 && diagnostic == "" {
		if err := m.resolver.Record(job.LogicalKey); err != nil {
			// Warning only: the download itself succeeded and other
			// jobs must not be blocked.
			log.Printf("job %s: archive write failed: %v", id, err)
			job.Error = fmt.Sprintf("archive write failed: %v", err)
		}
		job.Progress.Percent = 100
		m.transitionLocked(job, domain.StateCompleted)
		m.admitLocked()
		return
	}

	job.Error = diagnostic
	if retry.Classify(code, diagnostic) == retry.Retryable && job.Attempts <= m.policy.MaxRetries {
		m.transitionLocked(job, domain.StateRetrying)
		delay := m.policy.Backoff(job.Attempts)
		log.Printf("job %s: attempt %d failed (exit %d), retrying in %s", id, job.Attempts, code, delay)
		time.AfterFunc(delay, func() { m.requeue(id) })
	} else {
		log.Printf("job %s: failed permanently (exit %d): %s", id, code, diagnostic)
		m.transitionLocked(job, domain.StateFailed)
	}
	m.admitLocked()
}

// requeue returns a job from Retrying to Queued once its backoff expires.
func (m *Manager) requeue(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	job, ok := m.jobs[id]
	if !ok || job.State != domain.StateRetrying {
		return // cancelled or removed while waiting
	}
	m.transitionLocked(job, domain.StateQueued)
	m.admitLocked()
}

// transitionLocked applies a state change, persists it and publishes
// the event. It is the single place job state is written.
func (m *Manager) transitionLocked(job *domain.Job, to domain.JobState) {
	prev := job.State
	job.State = to
	job.UpdatedAt = time.Now()
	m.publishLocked(job, prev)
	m.saveLocked(job)
}

func (m *Manager) publishLocked(job *domain.Job, prev domain.JobState) {
	p := job.Progress
	ev := domain.Event{
		JobID:    job.ID,
		Prev:     prev,
		State:    job.State,
		Progress: &p,
		Error:    job.Error,
		At:       time.Now(),
	}
	for s := range m.subs {
		s.push(ev)
	}
}

func (m *Manager) saveLocked(job *domain.Job) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(context.Background(), job); err != nil {
		log.Printf("job %s: persist: %v", job.ID, err)
	}
}
