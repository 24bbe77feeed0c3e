// Package web exposes the job API: create, inspect, update and cancel
// jobs, plus an ingest endpoint for worker events from deployments
// that cannot reach the broker directly.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/hubward/jobd/internal/dispatch"
	"github.com/hubward/jobd/internal/overseer"
	"github.com/hubward/jobd/internal/queue"
	"github.com/hubward/jobd/internal/web/middleware"
	"github.com/hubward/jobd/model"
)

type JobReader interface {
	GetJob(ctx context.Context, id int64) (*model.Job, error)
	ListJobs(ctx context.Context, offset int64) ([]*model.Job, error)
}

type Server struct {
	router     chi.Router
	dispatcher *dispatch.Dispatcher
	jobs       JobReader
	overseer   *overseer.Overseer
}

func NewServer(dispatcher *dispatch.Dispatcher, jobs JobReader, ov *overseer.Overseer) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		dispatcher: dispatcher,
		jobs:       jobs,
		overseer:   ov,
	}
	s.routes()
	return s
}

// Router exposes the handler for main.go.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	// Creation is the expensive path; bound it separately from reads.
	limiter := middleware.NewLimiter(256, 32)
	r.With(limiter.Limit).Post("/jobs", s.handleCreateJob)

	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Patch("/jobs/{id}", s.handleUpdateJob)
	r.Post("/jobs/{id}/cancel", s.handleCancelJob)
	r.Post("/workers/events", s.handleWorkerEvent)
}

// JobRequest is the payload for creating a job.
type JobRequest struct {
	ProjectID int64           `json:"projectId"`
	CreatorID int64           `json:"creatorId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	// Children are created alongside a compound job, in order.
	Children []JobRequest `json:"children,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	job, err := s.createJob(r, req)
	if err != nil {
		status := http.StatusInternalServerError
		var unknown *model.UnknownMethodError
		var badQueue *dispatch.InvalidQueueSpecError
		if errors.As(err, &unknown) || errors.As(err, &badQueue) {
			status = http.StatusBadRequest
		}
		http.Error(w, "failed to create job: "+err.Error(), status)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) createJob(r *http.Request, req JobRequest) (*model.Job, error) {
	ctx := r.Context()
	job := &model.Job{
		ProjectID: req.ProjectID,
		CreatorID: req.CreatorID,
		Method:    model.JobMethod(req.Method),
		Params:    req.Params,
	}

	method, err := model.ParseMethod(req.Method)
	if err != nil {
		return nil, err
	}
	if !method.IsCompound() {
		return job, s.dispatcher.Create(ctx, job)
	}

	// Compound jobs: persist the parent first so children can point at
	// it, then dispatch the whole tree once.
	job.Status = model.StatusPending
	if err := s.dispatcher.CreateUndispatched(ctx, job); err != nil {
		return nil, err
	}
	if err := s.createChildren(ctx, job, req.Children, req.CreatorID); err != nil {
		return nil, err
	}
	return job, s.dispatcher.Dispatch(ctx, job)
}

// createChildren persists a compound job's children, recursing so a
// series nested inside a parallel keeps its grandchildren.
func (s *Server) createChildren(ctx context.Context, parent *model.Job, reqs []JobRequest, creatorID int64) error {
	for _, childReq := range reqs {
		method, err := model.ParseMethod(childReq.Method)
		if err != nil {
			return err
		}
		child := &model.Job{
			ProjectID: childReq.ProjectID,
			CreatorID: creatorID,
			ParentID:  &parent.ID,
			Method:    model.JobMethod(childReq.Method),
			Params:    childReq.Params,
		}
		if child.ProjectID == 0 {
			child.ProjectID = parent.ProjectID
		}
		if err := s.dispatcher.CreateUndispatched(ctx, child); err != nil {
			return err
		}
		if method.IsCompound() {
			if err := s.createChildren(ctx, child, childReq.Children, creatorID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to get job: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var offset int64
	if v := r.URL.Query().Get("offset"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		offset = parsed
	}

	jobs, err := s.jobs.ListJobs(r.Context(), offset)
	if err != nil {
		http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// JobUpdateRequest is an overseer-style update applied through the
// API instead of the event stream.
type JobUpdateRequest struct {
	Status  string          `json:"status"`
	Worker  string          `json:"worker,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Log     json.RawMessage `json:"log,omitempty"`
	Runtime float64         `json:"runtime,omitempty"`
	URL     string          `json:"url,omitempty"`
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	var req JobUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	change := dispatch.JobChange{
		Status:  model.JobStatus(req.Status),
		Worker:  req.Worker,
		Result:  req.Result,
		Log:     req.Log,
		Runtime: req.Runtime,
		URL:     req.URL,
	}
	if change.Status.HasEnded() {
		now := time.Now().UTC()
		change.Ended = &now
	}

	job, err := s.dispatcher.Update(r.Context(), id, change)
	if err != nil {
		if errors.Is(err, model.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to update job: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to get job: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.dispatcher.Cancel(r.Context(), job); err != nil {
		http.Error(w, "failed to cancel job: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleWorkerEvent(w http.ResponseWriter, r *http.Request) {
	if s.overseer == nil {
		http.Error(w, "event ingest not enabled", http.StatusNotImplemented)
		return
	}
	var ev queue.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.overseer.Handle(r.Context(), ev); err != nil {
		http.Error(w, "failed to handle event: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
