// Package http exposes the download manager's control operations and
// its job-event stream.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/dustin/go-humanize"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/cwygoda/snatcher/internal/domain"
	"github.com/cwygoda/snatcher/internal/manager"
)

// Server is the HTTP adapter for the download manager.
type Server struct {
	mgr         *manager.Manager
	mux         *http.ServeMux
	server      *http.Server
	downloadDir string // default output dir for specs that omit one
}

// NewServer creates a new HTTP server.
func NewServer(mgr *manager.Manager, addr, downloadDir string) *Server {
	s := &Server{
		mgr:         mgr,
		mux:         http.NewServeMux(),
		downloadDir: downloadDir,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /jobs", s.handleEnqueue)
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /jobs/{id}/retry", s.handleRetry)
	s.mux.HandleFunc("DELETE /jobs/{id}", s.handleRemove)
	s.mux.HandleFunc("PUT /concurrency", s.handleConcurrency)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// enqueueRequest is the request body for POST /jobs.
type enqueueRequest struct {
	URL                string   `json:"url"`
	Kind               string   `json:"kind"` // "video" (default) or "audio"
	Quality            string   `json:"quality,omitempty"`
	Title              string   `json:"title,omitempty"`
	OutputDir          string   `json:"output_dir,omitempty"`
	Subtitles          []string `json:"subtitles,omitempty"`
	EmbedMetadata      bool     `json:"embed_metadata,omitempty"`
	EmbedThumbnail     bool     `json:"embed_thumbnail,omitempty"`
	RateLimit          string   `json:"rate_limit,omitempty"`
	Proxy              string   `json:"proxy,omitempty"`
	CookiesFromBrowser string   `json:"cookies_from_browser,omitempty"`
	Force              bool     `json:"force,omitempty"`
	ExtraArgs          []string `json:"extra_args,omitempty"`
}

// progressResponse is the JSON shape of job progress.
type progressResponse struct {
	Percent    float64 `json:"percent"`
	Downloaded string  `json:"downloaded"`
	Total      string  `json:"total,omitempty"` // empty while unknown
	Rate       string  `json:"rate,omitempty"`
	ETASec     int     `json:"eta_sec"`
}

// jobResponse is the JSON response for job endpoints.
type jobResponse struct {
	ID         string           `json:"id"`
	URL        string           `json:"url"`
	Kind       string           `json:"kind"`
	Quality    string           `json:"quality,omitempty"`
	State      string           `json:"state"`
	Attempts   int              `json:"attempts"`
	OutputPath string           `json:"output_path,omitempty"`
	Error      string           `json:"error,omitempty"`
	Progress   progressResponse `json:"progress"`
	CreatedAt  string           `json:"created_at"`
	UpdatedAt  string           `json:"updated_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	spec := domain.Spec{
		URL:                req.URL,
		Kind:               domain.Kind(req.Kind),
		Quality:            req.Quality,
		Title:              req.Title,
		OutputDir:          req.OutputDir,
		Subtitles:          req.Subtitles,
		EmbedMetadata:      req.EmbedMetadata,
		EmbedThumbnail:     req.EmbedThumbnail,
		RateLimit:          req.RateLimit,
		Proxy:              req.Proxy,
		CookiesFromBrowser: req.CookiesFromBrowser,
		Force:              req.Force,
		ExtraArgs:          req.ExtraArgs,
	}
	if spec.Kind == "" {
		spec.Kind = domain.KindVideo
	}
	if spec.OutputDir == "" {
		spec.OutputDir = s.downloadDir
	}

	id, err := s.mgr.Enqueue(spec)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSpec) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("enqueue error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	job, err := s.mgr.Get(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusCreated, jobToResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.mgr.List()
	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobToResponse(job))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.mgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, s.mgr.Cancel(r.PathValue("id")), r.PathValue("id"))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, s.mgr.Retry(r.PathValue("id")), r.PathValue("id"))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	err := s.mgr.Remove(r.PathValue("id"))
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrJobActive):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "internal error")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) jobAction(w http.ResponseWriter, err error, id string) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrJobFinished), errors.Is(err, domain.ErrNotRetryable):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		log.Printf("job %s: action error: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	default:
		job, err := s.mgr.Get(id)
		if err != nil {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeJSON(w, http.StatusOK, jobToResponse(job))
	}
}

// concurrencyRequest is the request body for PUT /concurrency.
type concurrencyRequest struct {
	Max int `json:"max"`
}

func (s *Server) handleConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.mgr.SetMaxConcurrency(req.Max); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

// handleEvents streams job events over a websocket, one JSON object per
// state transition plus throttled progress updates.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("websocket accept error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "goodbye")

	events, cancel := s.mgr.Subscribe()
	defer cancel()

	// CloseRead cancels the context when the client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func jobToResponse(job domain.Job) jobResponse {
	p := progressResponse{
		Percent:    job.Progress.Percent,
		Downloaded: humanize.IBytes(uint64(max(job.Progress.Downloaded, 0))),
		ETASec:     job.Progress.ETA,
	}
	if job.Progress.Total > 0 {
		p.Total = humanize.IBytes(uint64(job.Progress.Total))
	}
	if job.Progress.Rate > 0 {
		p.Rate = humanize.IBytes(uint64(job.Progress.Rate)) + "/s"
	}
	return jobResponse{
		ID:         job.ID,
		URL:        job.Spec.URL,
		Kind:       string(job.Spec.Kind),
		Quality:    job.Spec.Quality,
		State:      string(job.State),
		Attempts:   job.Attempts,
		OutputPath: job.OutputPath,
		Error:      job.Error,
		Progress:   p,
		CreatedAt:  job.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt:  job.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
