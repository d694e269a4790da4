package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/livinlefevreloca/jobservice/internal/job"
	"github.com/livinlefevreloca/jobservice/internal/service"
)

const (
	maxRequestBody = 1 << 20
	defaultLimit   = 100
	maxLimit       = 1000
)

// Duration is a time.Duration encoded as a Go duration string ("90s").
// Integers are accepted on input as milliseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}

	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or milliseconds")
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

type createJobRequest struct {
	ID         string          `json:"id,omitempty"`
	Callback   string          `json:"callback"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	FireAt     *time.Time      `json:"fire_at,omitempty"`
	Schedule   string          `json:"schedule,omitempty"`
	Timeout    *Duration       `json:"timeout,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty"`
}

type rescheduleRequest struct {
	FireAt *time.Time `json:"fire_at"`
}

type jobResponse struct {
	ID          string          `json:"id"`
	Callback    string          `json:"callback"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	State       job.State       `json:"state"`
	FireAt      time.Time       `json:"fire_at"`
	Timeout     Duration        `json:"timeout"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
	MaxRetries  int             `json:"max_retries"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FiredAt     *time.Time      `json:"fired_at,omitempty"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

func newJobResponse(j *job.Job) jobResponse {
	resp := jobResponse{
		ID:          j.ID,
		Callback:    j.Callback,
		Payload:     j.Payload,
		State:       j.State,
		FireAt:      j.FireAt,
		Timeout:     Duration(j.Timeout),
		MaxRetries:  j.MaxRetries,
		Attempts:    j.Attempts,
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		FiredAt:     j.FiredAt,
		DeliveredAt: j.DeliveredAt,
		FinishedAt:  j.FinishedAt,
	}
	if deadline := j.Deadline(); !deadline.IsZero() {
		resp.Deadline = &deadline
	}
	return resp
}

type listJobsResponse struct {
	Jobs   []jobResponse `json:"jobs"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

type attemptResponse struct {
	Number     int       `json:"number"`
	StartedAt  time.Time `json:"started_at"`
	Duration   Duration  `json:"duration"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	create := service.CreateRequest{
		ID:         req.ID,
		Callback:   req.Callback,
		Payload:    req.Payload,
		FireAt:     req.FireAt,
		Schedule:   req.Schedule,
		MaxRetries: req.MaxRetries,
	}
	if req.Timeout != nil {
		timeout := time.Duration(*req.Timeout)
		create.Timeout = &timeout
	}

	j, err := s.jobs.Create(r.Context(), create)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", "/jobs/"+j.ID)
	writeJSON(w, http.StatusCreated, newJobResponse(j))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := s.jobs.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := listJobsResponse{
		Jobs:   make([]jobResponse, 0, len(jobs)),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, newJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseFilter reads state, limit and offset. state may repeat or hold a
// comma separated list.
func parseFilter(r *http.Request) (job.Filter, error) {
	q := r.URL.Query()
	f := job.Filter{Limit: defaultLimit}

	for _, raw := range q["state"] {
		for _, name := range strings.Split(raw, ",") {
			name = strings.ToUpper(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			st, err := job.ParseState(name)
			if err != nil {
				return f, err
			}
			f.States = append(f.States, st)
		}
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxLimit {
			return f, fmt.Errorf("limit must be between 1 and %d", maxLimit)
		}
		f.Limit = n
	}

	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("offset must be a non-negative integer")
		}
		f.Offset = n
	}

	return f, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(j))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(j))
}

func (s *Server) handleRescheduleJob(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.FireAt == nil {
		writeError(w, http.StatusBadRequest, "fire_at is required")
		return
	}

	j, err := s.jobs.Reschedule(r.Context(), r.PathValue("id"), *req.FireAt)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(j))
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.jobs.Attempts(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		resp = append(resp, attemptResponse{
			Number:     a.Number,
			StartedAt:  a.StartedAt,
			Duration:   Duration(a.Duration),
			StatusCode: a.StatusCode,
			Error:      a.Error,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": resp})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.jobs.Counts(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := map[string]any{"jobs": counts}
	for name, fn := range s.stats {
		resp[name] = fn()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeServiceError maps job errors to status codes. Unknown errors are
// logged and reported without detail.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, job.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, job.ErrDuplicate), errors.Is(err, job.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
