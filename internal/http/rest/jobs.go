package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/urlrelay/internal/logctx"
	"github.com/italolelis/urlrelay/internal/registry"
	"github.com/italolelis/urlrelay/internal/relay"
	"github.com/italolelis/urlrelay/internal/status"
	"github.com/italolelis/urlrelay/internal/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	extractFlag      = "-e"
)

// Relay is the part of the job relay the HTTP API drives.
type Relay interface {
	Submit(ctx context.Context, req relay.Request) (relay.Handle, error)
	Cancel(ctx context.Context, jobID string) relay.Outcome
}

// StatusBoard returns the latest status of a job.
type StatusBoard interface {
	Get(jobID string) (status.Entry, bool)
}

type SubmitRequest struct {
	URL     string `json:"url"`
	Rename  string `json:"rename,omitempty"`
	Extract bool   `json:"extract,omitempty"`
	// Command is the chat form "<url> [name] [-e]". It is used when URL is empty.
	Command string `json:"command,omitempty"`
}

type CancelResponse struct {
	Outcome relay.Outcome `json:"outcome"`
	Message string        `json:"message"`
}

type JobResponse struct {
	JobID  string             `json:"job_id"`
	Live   *status.Entry      `json:"status,omitempty"`
	Record *storage.JobRecord `json:"record,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// JobsHandler exposes job submission, cancellation and status over HTTP.
type JobsHandler struct {
	username string
	password string
	relay    Relay
	board    StatusBoard
	history  storage.JobReadRepository
}

// NewJobsHandler creates the job API. Basic auth is enforced only when username is
// set. history may be nil.
func NewJobsHandler(username, password string, r Relay, board StatusBoard, history storage.JobReadRepository) *JobsHandler {
	return &JobsHandler{
		username: username,
		password: password,
		relay:    r,
		board:    board,
		history:  history,
	}
}

func (h *JobsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/", h.HandleSubmit)
	r.Get("/", h.HandleList)
	r.Get("/{id}", h.HandleGet)
	r.Post("/{id}/cancel", h.HandleCancel)

	return r
}

// HandleSubmit starts a job from a JSON body.
func (h *JobsHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var body SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		logger.DebugContext(ctx, "failed to decode request", "err", err)
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	req := relay.Request{URL: body.URL, Rename: body.Rename, Extract: body.Extract}
	if strings.TrimSpace(req.URL) == "" && body.Command != "" {
		req = ParseCommand(body.Command)
	}

	handle, err := h.relay.Submit(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrMissingURL):
			writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "url is required"})
		case errors.Is(err, registry.ErrCancelled):
			writeJSON(ctx, w, http.StatusConflict, errorResponse{Error: "job was cancelled before it started"})
		case errors.Is(err, relay.ErrShuttingDown):
			writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "service is shutting down"})
		default:
			logger.ErrorContext(ctx, "failed to submit job", "err", err)
			writeJSON(ctx, w, http.StatusBadGateway, errorResponse{Error: "failed to start download"})
		}

		return
	}

	writeJSON(ctx, w, http.StatusAccepted, handle)
}

// HandleCancel flags a job for cancellation.
func (h *JobsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	switch outcome := h.relay.Cancel(ctx, chi.URLParam(r, "id")); outcome {
	case relay.OutcomeCancellationRequested:
		writeJSON(ctx, w, http.StatusAccepted, CancelResponse{Outcome: outcome, Message: "❌ Cancel requested by user"})
	default:
		writeJSON(ctx, w, http.StatusNotFound, CancelResponse{Outcome: outcome, Message: "❌ Already completed or invalid."})
	}
}

// HandleGet returns the latest status of a job and its history record.
func (h *JobsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	resp := JobResponse{JobID: id}

	if entry, ok := h.board.Get(id); ok {
		resp.Live = &entry
	}

	if h.history != nil {
		rec, err := h.history.GetJob(ctx, id)
		switch {
		case err == nil:
			resp.Record = &rec
		case !errors.Is(err, storage.ErrNotFound):
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to read job", "err", err)
		}
	}

	if resp.Live == nil && resp.Record == nil {
		writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "job not found"})

		return
	}

	writeJSON(ctx, w, http.StatusOK, resp)
}

// HandleList returns recent jobs, newest first.
func (h *JobsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.history == nil {
		writeJSON(ctx, w, http.StatusOK, []storage.JobRecord{})

		return
	}

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})

			return
		}

		limit = min(n, maxListLimit)
	}

	jobs, err := h.history.ListJobs(ctx, limit)
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to list jobs", "err", err)
		writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "failed to list jobs"})

		return
	}

	if jobs == nil {
		jobs = []storage.JobRecord{}
	}

	writeJSON(ctx, w, http.StatusOK, jobs)
}

func (h *JobsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="urlrelay"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// ParseCommand splits "<url> [name...] [-e]". A trailing -e asks for extraction;
// anything between the URL and the flag is the rename hint.
func ParseCommand(cmd string) relay.Request {
	fields := strings.Fields(cmd)

	var req relay.Request

	if n := len(fields); n > 0 && fields[n-1] == extractFlag {
		req.Extract = true
		fields = fields[:n-1]
	}

	if len(fields) == 0 {
		return req
	}

	req.URL = fields[0]
	req.Rename = strings.Join(fields[1:], " ")

	return req
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "err", err)
	}
}
