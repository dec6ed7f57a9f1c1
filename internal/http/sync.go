package http

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/flurbudurbur/Eiga/internal/config"
	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/sync"
	"github.com/flurbudurbur/Eiga/pkg/errors"
	"github.com/go-chi/chi/v5"
)

type syncService = sync.Service

type syncHandler struct {
	encoder encoder
	sync    syncService
	cfg     *config.AppConfig
}

func newSyncHandler(encoder encoder, syncSvc syncService, cfg *config.AppConfig) *syncHandler {
	return &syncHandler{
		encoder: encoder,
		sync:    syncSvc,
		cfg:     cfg,
	}
}

func (h syncHandler) Routes(r chi.Router) {
	r.Get("/stats", h.getStats)
	r.Get("/history", h.getHistory)
	r.Post("/bulk", h.scheduleBulk)
	r.Post("/staggered", h.scheduleStaggered)
	r.Delete("/queue", h.drainQueue)
}

type bulkRequest struct {
	// UserIDs to schedule. Empty means every tracked user.
	UserIDs []string `json:"user_ids"`
	// Priority forces one class for the whole batch. Empty means derive the
	// class from each user's recorded activity.
	Priority string `json:"priority"`
}

type staggeredRequest struct {
	UserIDs       []string `json:"user_ids"`
	WindowSeconds int      `json:"window_seconds"`
}

type staggeredResponse struct {
	Scheduled     int `json:"scheduled"`
	WindowSeconds int `json:"window_seconds"`
}

type historyResponse struct {
	Completed []domain.SyncJob `json:"completed"`
	Failed    []domain.SyncJob `json:"failed"`
}

type drainResponse struct {
	Purged int `json:"purged"`
}

func (h syncHandler) getStats(w http.ResponseWriter, r *http.Request) {
	stats := h.sync.Stats(r.Context())

	h.encoder.StatusResponse(r.Context(), w, stats, http.StatusOK)
}

func (h syncHandler) getHistory(w http.ResponseWriter, r *http.Request) {
	completed, failed := h.sync.History()

	res := historyResponse{
		Completed: completed,
		Failed:    failed,
	}

	h.encoder.StatusResponse(r.Context(), w, res, http.StatusOK)
}

func (h syncHandler) scheduleBulk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.encoder.StatusResponse(ctx, w, err.Error(), http.StatusBadRequest)
		return
	}

	userIDs := req.UserIDs
	if len(userIDs) == 0 {
		var err error
		userIDs, err = h.sync.ActiveUsers(ctx)
		if err != nil {
			h.encoder.Error(w, err)
			return
		}
	}

	priorityFn := h.sync.PriorityResolver(ctx)
	if req.Priority != "" {
		fixed, err := domain.ParsePriority(req.Priority)
		if err != nil {
			h.encoder.StatusResponse(ctx, w, err.Error(), http.StatusBadRequest)
			return
		}
		priorityFn = func(string) domain.Priority { return fixed }
	}

	result := h.sync.ScheduleBulk(ctx, userIDs, priorityFn)

	h.encoder.StatusResponse(ctx, w, result, http.StatusOK)
}

func (h syncHandler) scheduleStaggered(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req staggeredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.encoder.StatusResponse(ctx, w, err.Error(), http.StatusBadRequest)
		return
	}

	userIDs := req.UserIDs
	if len(userIDs) == 0 {
		var err error
		userIDs, err = h.sync.ActiveUsers(ctx)
		if err != nil {
			h.encoder.Error(w, err)
			return
		}
	}

	window := h.cfg.Config.Sync.Interval()
	if req.WindowSeconds > 0 {
		window = time.Duration(req.WindowSeconds) * time.Second
	}

	scheduled := h.sync.ScheduleStaggered(ctx, userIDs, window)

	res := staggeredResponse{
		Scheduled:     scheduled,
		WindowSeconds: int(window.Seconds()),
	}

	h.encoder.StatusResponse(ctx, w, res, http.StatusOK)
}

func (h syncHandler) drainQueue(w http.ResponseWriter, r *http.Request) {
	purged := h.sync.DrainQueue(r.Context())

	h.encoder.StatusResponse(r.Context(), w, drainResponse{Purged: purged}, http.StatusOK)
}
