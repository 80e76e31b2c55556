package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"loom/internal/httpkit"
	"loom/internal/job"
	"loom/internal/pkg/errors"
)

const (
	ownerHeader = "X-Owner-ID"
	tierHeader  = "X-Owner-Tier"

	// maxBodyBytes is a transport-level cap; the admission service applies
	// the real payload limit.
	maxBodyBytes = 1 << 20
)

// owner extracts the caller identity from the request. Authentication is
// terminated upstream; by the time a request reaches this service the
// gateway has stamped the owner headers.
func owner(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(ownerHeader))
	if id == "" {
		return "", errors.New(errors.CodeUnauthorized, "missing owner identity")
	}
	return id, nil
}

// PostJob accepts a render submission and returns the queued job handle.
func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, err := owner(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	tier := job.ParseTier(strings.TrimSpace(r.Header.Get(tierHeader)))

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, r, errors.Validation("request body too large or unreadable"))
		return
	}

	receipt, err := h.admission.Submit(ctx, ownerID, tier, json.RawMessage(payload))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{"job": receipt})
}

// ListJobs returns the caller's most recent jobs, newest first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, err := owner(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}

	jobs, err := h.store.ListByOwner(ctx, ownerID, limit)
	if err != nil {
		h.writeError(w, r, errors.Storage(err, "jobs.list"))
		return
	}

	type item struct {
		ID        string     `json:"id"`
		Status    job.Status `json:"status"`
		Progress  int        `json:"progress"`
		Priority  bool       `json:"priority"`
		CreatedAt time.Time  `json:"created_at"`
	}
	out := make([]item, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, item{
			ID:        j.ID,
			Status:    j.Status,
			Progress:  j.Progress,
			Priority:  j.Priority,
			CreatedAt: j.CreatedAt,
		})
	}

	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// GetJob returns the status view for one of the caller's jobs.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, err := owner(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	jobID := chi.URLParam(r, "jobId")

	view, err := h.status.GetStatus(ctx, jobID, ownerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"job": view})
}

// RetryJob re-queues one of the caller's failed jobs.
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, err := owner(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	jobID := chi.URLParam(r, "jobId")

	view, err := h.status.Retry(ctx, jobID, ownerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{"job": view})
}

// DownloadJob streams the finished artifact. The download is one-shot:
// the artifact is consumed by a successful response and a second request
// gets 400.
func (h *Handler) DownloadJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, err := owner(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	jobID := chi.URLParam(r, "jobId")

	art, err := h.delivery.Download(ctx, jobID, ownerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer art.Body.Close()

	w.Header().Set("Content-Type", art.ContentType)
	if art.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(art.Size, 10))
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+art.JobID+`.mp4"`)
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, art.Body); err != nil {
		// Headers are gone; all we can do is log. The artifact is already
		// consumed, which is the documented contract for a started stream.
		h.log.FromContext(ctx).Warn("artifact stream interrupted",
			"job_id", jobID,
			"error", err.Error(),
		)
	}
}
