// Package api is the admin HTTP surface over the job queue, the parameter
// store and, when embedded in the scheduler, the local watchdog.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/maintd/internal/domain"
	"github.com/SirClappington/maintd/internal/params"
	"github.com/SirClappington/maintd/internal/payload"
	"github.com/SirClappington/maintd/internal/queue"
	"github.com/SirClappington/maintd/internal/watchdog"
)

type Health interface {
	Ready(ctx context.Context) (bool, error)
}

// Control is the local watchdog as seen by the API.
type Control interface {
	Name() string
	Stats() watchdog.Stats
	Tick(ctx context.Context) (watchdog.Outcome, error)
}

type Options struct {
	Queue    queue.JobQueue
	Params   params.Store
	Registry *payload.Registry
	// Optional.
	Health  Health
	Control Control
	Logger  *zap.Logger
}

type handler struct {
	opts Options
	log  *zap.Logger
}

func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &handler{opts: opts, log: opts.Logger.Named("api")}

	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID, middleware.Recoverer, h.logRequests)

	rtr.Get("/healthz", h.health)
	rtr.Route("/v1", func(r chi.Router) {
		r.Get("/queues/{queueType}/active", h.listActive)
		r.Get("/queues/{queueType}/jobs/{jobID}", h.getJob)
		r.Post("/queues/{queueType}/groups/{groupID}/cancel", h.cancelGroup)
		r.Get("/parameters/{key}", h.getParameter)
		r.Put("/parameters/{key}", h.putParameter)
		if opts.Control != nil {
			r.Get("/stats", h.stats)
			r.Post("/watchdog/tick", h.tick)
		}
	})
	return rtr
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.opts.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ok, err := h.opts.Health.Ready(r.Context())
	if err != nil || !ok {
		msg := "not ready"
		if err != nil {
			msg = err.Error()
		}
		writeError(w, http.StatusServiceUnavailable, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) listActive(w http.ResponseWriter, r *http.Request) {
	qt, ok := queueType(w, r)
	if !ok {
		return
	}
	active, err := h.opts.Queue.ListActive(r.Context(), qt)
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]activeView, 0, len(active))
	for _, a := range active {
		out = append(out, activeView{
			GroupID: a.GroupID,
			JobID:   a.JobID,
			Version: a.Version,
			Kind:    a.Kind,
			Status:  a.Status,
			Payload: h.decode(qt, a.Definition),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	qt, ok := queueType(w, r)
	if !ok {
		return
	}
	jobID, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil || jobID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	j, err := h.opts.Queue.Get(r.Context(), qt, jobID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(j, h.decode(qt, j.Definition)))
}

func (h *handler) cancelGroup(w http.ResponseWriter, r *http.Request) {
	qt, ok := queueType(w, r)
	if !ok {
		return
	}
	groupID := chi.URLParam(r, "groupID")
	if _, err := uuid.Parse(groupID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	n, err := h.opts.Queue.CancelGroup(r.Context(), qt, groupID)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info("group cancelled", zap.String("group", groupID), zap.Int("jobs", n))
	writeJSON(w, http.StatusOK, map[string]any{"group": groupID, "affected": n})
}

type parameter struct {
	Key   string   `json:"key"`
	Value *float64 `json:"value"`
}

func (h *handler) getParameter(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, err := h.opts.Params.GetNumber(r.Context(), key)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, parameter{Key: key, Value: &v})
}

func (h *handler) putParameter(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var body parameter
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Value == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"value\": <number>}")
		return
	}
	if err := h.opts.Params.SetNumber(r.Context(), key, *body.Value); err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info("parameter set", zap.String("key", key), zap.Float64("value", *body.Value))
	writeJSON(w, http.StatusOK, parameter{Key: key, Value: body.Value})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"watchdog": h.opts.Control.Name(),
		"stats":    h.opts.Control.Stats(),
	})
}

func (h *handler) tick(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.opts.Control.Tick(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"outcome": string(outcome), "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (h *handler) decode(qt domain.QueueType, def string) any {
	if h.opts.Registry == nil {
		return nil
	}
	d, err := h.opts.Registry.Decode(qt, def)
	if err != nil {
		return nil
	}
	return d
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrMissingParameter):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrTransient):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queueType(w http.ResponseWriter, r *http.Request) (domain.QueueType, bool) {
	qt, ok := domain.ParseQueueType(chi.URLParam(r, "queueType"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown queue type")
	}
	return qt, ok
}

type activeView struct {
	GroupID string        `json:"groupId"`
	JobID   int64         `json:"jobId"`
	Version int64         `json:"version"`
	Kind    domain.Kind   `json:"kind"`
	Status  domain.Status `json:"status"`
	Payload any           `json:"payload,omitempty"`
}

type jobView struct {
	QueueType       string        `json:"queueType"`
	GroupID         string        `json:"groupId"`
	JobID           int64         `json:"jobId"`
	Kind            domain.Kind   `json:"kind"`
	Version         int64         `json:"version"`
	Status          domain.Status `json:"status"`
	Definition      string        `json:"definition"`
	Payload         any           `json:"payload,omitempty"`
	Result          *string       `json:"result,omitempty"`
	Owner           *string       `json:"owner,omitempty"`
	HeartbeatAt     *time.Time    `json:"heartbeatAt,omitempty"`
	CancelRequested bool          `json:"cancelRequested"`
	CreatedAt       time.Time     `json:"createdAt"`
	StartedAt       *time.Time    `json:"startedAt,omitempty"`
	EndedAt         *time.Time    `json:"endedAt,omitempty"`
}

func newJobView(j *domain.JobRecord, decoded any) jobView {
	return jobView{
		QueueType:       j.QueueType.String(),
		GroupID:         j.GroupID,
		JobID:           j.JobID,
		Kind:            j.Kind,
		Version:         j.Version,
		Status:          j.Status,
		Definition:      j.Definition,
		Payload:         decoded,
		Result:          j.Result,
		Owner:           j.Owner,
		HeartbeatAt:     j.HeartbeatAt,
		CancelRequested: j.CancelRequested,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		EndedAt:         j.EndedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
