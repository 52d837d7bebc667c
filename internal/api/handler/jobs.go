package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/corpusflow/internal/api/response"
	"github.com/kiranshivaraju/corpusflow/internal/jobs"
	"github.com/kiranshivaraju/corpusflow/internal/store"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

// JobsHandler serves job submission, lookup, listing and cancellation. Jobs of
// other principals are reported as not found.
type JobsHandler struct {
	manager *jobs.Manager
}

func NewJobsHandler(m *jobs.Manager) *JobsHandler {
	return &JobsHandler{manager: m}
}

type submitRequest struct {
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority"`
	MaxRetries *int            `json:"max_retries"`
}

type submitResponse struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Submit handles POST /api/v1/jobs.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Kind == "" {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "kind is required", nil)
		return
	}

	job, err := h.manager.Submit(r.Context(), jobs.SubmitRequest{
		OwnerID:    owner,
		Kind:       req.Kind,
		Payload:    req.Payload,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/jobs/"+job.ID.String())
	response.Accepted(w, submitResponse{
		ID:        job.ID,
		Kind:      job.Kind,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	})
}

// List handles GET /api/v1/jobs.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := store.JobFilter{
		OwnerID: owner,
		Status:  q.Get("status"),
		Page:    atoiOr(q.Get("page"), 1),
		Limit:   atoiOr(q.Get("limit"), 20),
	}
	limit, offset := filter.Normalize()

	list, total, err := h.manager.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	response.Collection(w, list, response.NewPaginationMeta(offset/limit+1, limit, total))
}

// Get handles GET /api/v1/jobs/{jobID}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	response.JSON(w, job)
}

// Cancel handles POST /api/v1/jobs/{jobID}/cancel. A processing job is only
// flagged here; the response shows cancel_requested until a worker stops it.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	updated, err := h.manager.Cancel(r.Context(), job.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, updated)
}

func (h *JobsHandler) ownedJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	return loadOwnedJob(w, r, h.manager)
}

func loadOwnedJob(w http.ResponseWriter, r *http.Request, m *jobs.Manager) (*models.Job, bool) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return nil, false
	}
	id, ok := uuidParam(w, r, "jobID")
	if !ok {
		return nil, false
	}
	job, err := m.Get(r.Context(), id)
	if err == nil && job.OwnerID != owner {
		err = store.ErrNotFound
	}
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return job, true
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
