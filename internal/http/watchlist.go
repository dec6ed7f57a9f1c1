package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/sync"
	"github.com/flurbudurbur/Eiga/pkg/errors"
)

type watchlistHandler struct {
	encoder encoder
	log     zerolog.Logger
	sync    syncService
}

func newWatchlistHandler(encoder encoder, log zerolog.Logger, syncSvc syncService) *watchlistHandler {
	return &watchlistHandler{
		encoder: encoder,
		log:     log,
		sync:    syncSvc,
	}
}

func (h watchlistHandler) Routes(r chi.Router) {
	r.Get("/{userID}", h.getWatchlist)
	r.Post("/{userID}/refresh", h.refresh)
}

type watchlistResponse struct {
	UserID    string          `json:"user_id"`
	CachedAt  time.Time       `json:"cached_at"`
	Age       string          `json:"age"`
	Stale     bool            `json:"stale"`
	Watchlist json.RawMessage `json:"watchlist"`
}

type refreshResponse struct {
	UserID    string `json:"user_id"`
	Scheduled bool   `json:"scheduled"`
}

// getWatchlist serves whatever the cache holds for the user. A miss schedules
// a high priority refresh and reports 404 so the caller can retry shortly; a
// stale entry is served as-is with a refresh scheduled behind it.
func (h watchlistHandler) getWatchlist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	h.touch(ctx, userID)

	entry, stale, err := h.sync.GetCached(ctx, userID)
	if err != nil {
		if errors.Is(err, sync.ErrNoCacheEntry) {
			if _, schedErr := h.sync.ScheduleForUser(ctx, userID, domain.PriorityHigh); schedErr != nil {
				h.log.Error().Err(schedErr).Str("user", userID).Msg("could not schedule refresh")
			}
			h.encoder.StatusNotFound(ctx, w)
			return
		}

		h.encoder.Error(w, err)
		return
	}

	if stale {
		if _, schedErr := h.sync.ScheduleForUser(ctx, userID, domain.PriorityHigh); schedErr != nil {
			h.log.Warn().Err(schedErr).Str("user", userID).Msg("could not schedule refresh behind stale entry")
		}
	}

	res := watchlistResponse{
		UserID:    entry.UserID,
		CachedAt:  entry.CachedAt,
		Age:       humanize.Time(entry.CachedAt),
		Stale:     stale,
		Watchlist: json.RawMessage(entry.Payload),
	}

	h.encoder.StatusResponse(ctx, w, res, http.StatusOK)
}

func (h watchlistHandler) refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	h.touch(ctx, userID)

	scheduled, err := h.sync.ScheduleForUser(ctx, userID, domain.PriorityHigh)
	if err != nil {
		h.encoder.Error(w, err)
		return
	}

	res := refreshResponse{
		UserID:    userID,
		Scheduled: scheduled,
	}

	h.encoder.StatusResponse(ctx, w, res, http.StatusAccepted)
}

// touch marks the user active. Failures only cost priority accuracy, so they
// are logged and the request proceeds.
func (h watchlistHandler) touch(ctx context.Context, userID string) {
	if err := h.sync.TrackUser(ctx, userID); err != nil {
		h.log.Warn().Err(err).Str("user", userID).Msg("could not track user")
	}

	if err := h.sync.RecordActivity(ctx, userID); err != nil {
		h.log.Warn().Err(err).Str("user", userID).Msg("could not record user activity")
	}
}
