// Package handlers holds the HTTP handlers for the job API.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"loom/internal/admission"
	"loom/internal/delivery"
	"loom/internal/httpkit"
	"loom/internal/pkg/errors"
	"loom/internal/pkg/logger"
	"loom/internal/ports"
	"loom/internal/status"
	"loom/internal/store"
)

type Deps struct {
	Admission *admission.Service
	Status    *status.Service
	Delivery  *delivery.Service
	Store     store.Store

	// Pool and RDB are only used by the deep health check.
	Pool *pgxpool.Pool
	RDB  *redis.Client
	SP   ports.StorageProvider

	Log *logger.Logger
}

type Handler struct {
	admission *admission.Service
	status    *status.Service
	delivery  *delivery.Service
	store     store.Store
	pool      *pgxpool.Pool
	rdb       *redis.Client
	sp        ports.StorageProvider
	log       *logger.Logger
}

func New(d Deps) *Handler {
	if d.Log == nil {
		d.Log = logger.NewDefault()
	}
	return &Handler{
		admission: d.Admission,
		status:    d.Status,
		delivery:  d.Delivery,
		store:     d.Store,
		pool:      d.Pool,
		rdb:       d.RDB,
		sp:        d.SP,
		log:       d.Log.WithComponent("httpapi"),
	}
}

// writeError maps a service error onto the JSON error envelope. Coded
// errors carry their own HTTP status; anything else is a 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *errors.Error
	if !errors.As(err, &e) {
		h.log.FromContext(r.Context()).LogError(r.Context(), "unhandled error", err)
		httpkit.WriteErr(w, http.StatusInternalServerError, string(errors.CodeInternal), "internal error", nil)
		return
	}

	code := e.HTTPStatus()
	if code >= 500 {
		h.log.FromContext(r.Context()).LogError(r.Context(), "request failed", err)
	}
	if e.Code == errors.CodeRateLimited {
		if v, ok := e.Fields["retry_after_seconds"].(int); ok && v > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(v))
		}
	}
	httpkit.WriteErr(w, code, string(e.Code), e.Message, e.Fields)
}
