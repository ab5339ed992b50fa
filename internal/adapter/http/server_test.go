package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/cwygoda/snatcher/internal/domain"
	"github.com/cwygoda/snatcher/internal/manager"
	"github.com/cwygoda/snatcher/internal/retry"
)

type fakeProc struct {
	events chan domain.RunnerEvent
	once   sync.Once
}

func (p *fakeProc) Events() <-chan domain.RunnerEvent { return p.events }

func (p *fakeProc) Terminate() {
	p.exit(-1, "terminated")
}

func (p *fakeProc) exit(code int, diagnostic string) {
	p.once.Do(func() {
		p.events <- domain.RunnerEvent{Kind: domain.RunnerExit, ExitCode: code, Diagnostic: diagnostic}
		close(p.events)
	})
}

type fakeRunner struct {
	mu    sync.Mutex
	procs []*fakeProc
}

func (r *fakeRunner) Start(ctx context.Context, spec domain.Spec, outputPath string) (domain.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &fakeProc{events: make(chan domain.RunnerEvent, 16)}
	r.procs = append(r.procs, p)
	return p, nil
}

func (r *fakeRunner) proc(i int) *fakeProc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[i]
}

type fakeResolver struct{}

func (fakeResolver) Resolve(key, candidate string, force bool) (domain.Resolution, error) {
	return domain.Resolution{Kind: domain.ResolveProceed, Path: candidate}, nil
}
func (fakeResolver) Has(key string) bool { return false }
func (fakeResolver) Record(key string) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{}
	mgr := manager.New(runner, fakeResolver{}, nil, manager.Config{
		MaxConcurrency:   1,
		Policy:           retry.Policy{MaxRetries: 1, Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond},
		ProgressInterval: time.Millisecond,
	})
	return NewServer(mgr, ":0", t.TempDir()), runner
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func enqueue(t *testing.T, s *Server, url string) jobResponse {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/jobs", fmt.Sprintf(`{"url":%q}`, url))
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /jobs status = %d, body %s", w.Code, w.Body)
	}
	var job jobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return job
}

func waitForState(t *testing.T, s *Server, id, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w := doJSON(t, s, http.MethodGet, "/jobs/"+id, "")
		var job jobResponse
		if w.Code == http.StatusOK && json.Unmarshal(w.Body.Bytes(), &job) == nil && job.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached state %s", id, want)
}

func TestEnqueueCreatesJob(t *testing.T) {
	s, _ := newTestServer(t)
	job := enqueue(t, s, "https://example.com/watch?v=abc")
	if job.ID == "" {
		t.Error("response has no job id")
	}
	if job.URL != "https://example.com/watch?v=abc" {
		t.Errorf("url = %q", job.URL)
	}
	if job.Kind != "video" {
		t.Errorf("kind = %q, want video default", job.Kind)
	}
	waitForState(t, s, job.ID, "running")
}

func TestEnqueueBadRequests(t *testing.T) {
	s, _ := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{not json"},
		{"missing url", `{}`},
		{"bad url", `{"url":"not a url"}`},
		{"bad kind", `{"url":"https://example.com/v","kind":"hologram"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, s, http.MethodPost, "/jobs", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body %s", w.Code, w.Body)
			}
		})
	}
}

func TestGetJobNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/jobs/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListJobs(t *testing.T) {
	s, _ := newTestServer(t)
	enqueue(t, s, "https://example.com/v/1")
	enqueue(t, s, "https://example.com/v/2")

	w := doJSON(t, s, http.MethodGet, "/jobs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var jobs []jobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("len = %d, want 2", len(jobs))
	}
	// Submission order is preserved in listings.
	if jobs[0].URL != "https://example.com/v/1" {
		t.Errorf("jobs[0].URL = %q, want first submission", jobs[0].URL)
	}
}

func TestCancelAndConflict(t *testing.T) {
	s, _ := newTestServer(t)
	job := enqueue(t, s, "https://example.com/v/1")
	waitForState(t, s, job.ID, "running")

	w := doJSON(t, s, http.MethodPost, "/jobs/"+job.ID+"/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body %s", w.Code, w.Body)
	}
	var got jobResponse
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.State != "cancelled" {
		t.Errorf("state = %q, want cancelled", got.State)
	}

	// Cancelling a terminal job is a conflict.
	w = doJSON(t, s, http.MethodPost, "/jobs/"+job.ID+"/cancel", "")
	if w.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/jobs/missing/cancel", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("cancel missing status = %d, want 404", w.Code)
	}
}

func TestRetryEndpoint(t *testing.T) {
	s, runner := newTestServer(t)
	job := enqueue(t, s, "https://example.com/v/1")
	waitForState(t, s, job.ID, "running")

	// A retry of a live job is a conflict.
	w := doJSON(t, s, http.MethodPost, "/jobs/"+job.ID+"/retry", "")
	if w.Code != http.StatusConflict {
		t.Errorf("retry running status = %d, want 409", w.Code)
	}

	runner.proc(0).exit(1, "Video unavailable")
	waitForState(t, s, job.ID, "failed")

	w = doJSON(t, s, http.MethodPost, "/jobs/"+job.ID+"/retry", "")
	if w.Code != http.StatusOK {
		t.Fatalf("retry status = %d, body %s", w.Code, w.Body)
	}
	waitForState(t, s, job.ID, "running")
}

func TestRemoveEndpoint(t *testing.T) {
	s, runner := newTestServer(t)
	job := enqueue(t, s, "https://example.com/v/1")
	waitForState(t, s, job.ID, "running")

	w := doJSON(t, s, http.MethodDelete, "/jobs/"+job.ID, "")
	if w.Code != http.StatusConflict {
		t.Errorf("remove active status = %d, want 409", w.Code)
	}

	runner.proc(0).exit(0, "")
	waitForState(t, s, job.ID, "completed")

	w = doJSON(t, s, http.MethodDelete, "/jobs/"+job.ID, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("remove status = %d, want 204", w.Code)
	}
	w = doJSON(t, s, http.MethodDelete, "/jobs/"+job.ID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("remove again status = %d, want 404", w.Code)
	}
}

func TestConcurrencyEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPut, "/concurrency", `{"max":3}`)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, body %s", w.Code, w.Body)
	}
	w = doJSON(t, s, http.MethodPut, "/concurrency", `{"max":0}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("max=0 status = %d, want 400", w.Code)
	}
	w = doJSON(t, s, http.MethodPut, "/concurrency", "{broken")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want 400", w.Code)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("body = %s", w.Body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodDelete, "/concurrency", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestEventsWebsocketStream(t *testing.T) {
	s, runner := newTestServer(t)
	ts := httptest.NewServer(s)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Give the handler a moment to register its subscription before
	// the first transition is published.
	time.Sleep(50 * time.Millisecond)

	job := enqueue(t, s, "https://example.com/v/1")
	waitForState(t, s, job.ID, "running")
	runner.proc(0).exit(0, "")

	seen := map[domain.JobState]bool{}
	for !seen[domain.StateCompleted] {
		var ev domain.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read event: %v (seen: %v)", err, seen)
		}
		if ev.JobID != job.ID {
			t.Fatalf("event for unexpected job %s", ev.JobID)
		}
		seen[ev.State] = true
	}
	for _, want := range []domain.JobState{domain.StateQueued, domain.StateRunning, domain.StateCompleted} {
		if !seen[want] {
			t.Errorf("no %s event observed", want)
		}
	}
}
