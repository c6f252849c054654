package lesson

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/mssola/useragent"

	"github.com/edsy/edsy/internal/auth"
	"github.com/edsy/edsy/internal/httputil"
	"github.com/edsy/edsy/internal/plans"
)

type watchResponse struct {
	Credited       bool `json:"credited"`
	PointsAwarded  int  `json:"pointsAwarded"`
	Points         int  `json:"points"`
	AlreadyWatched bool `json:"alreadyWatched"`
}

// Watch credits the viewer for finishing a lesson. The first watch awards
// points and appends to watched_lessons; repeats are no-ops enforced in
// the update predicate itself.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	lessonID := chi.URLParam(r, "id")
	if lessonID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "lesson id required")
		return
	}

	award := plans.Free.PointsPerLesson

	var points int
	err := h.db.QueryRow(r.Context(),
		`UPDATE users SET points = points + $1, watched_lessons = array_append(watched_lessons, $2)
		 WHERE id = $3 AND NOT ($2 = ANY(watched_lessons))
		 RETURNING points`,
		award, lessonID, userID,
	).Scan(&points)

	resp := watchResponse{}
	switch {
	case err == nil:
		resp.Credited = true
		resp.PointsAwarded = award
		resp.Points = points
		h.recordWatchEvent(userID, lessonID, clientIP(r), r.UserAgent())
	case errors.Is(err, pgx.ErrNoRows):
		resp.AlreadyWatched = true
		if err := h.db.QueryRow(r.Context(),
			"SELECT points FROM users WHERE id = $1", userID,
		).Scan(&resp.Points); err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to load points")
			return
		}
	default:
		httputil.WriteError(w, http.StatusInternalServerError, "failed to record watch")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}

// recordWatchEvent stores anonymous analytics for a first watch. Failures
// are logged and never surface to the viewer.
func (h *Handler) recordWatchEvent(userID, lessonID, ip, userAgentStr string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ua := useragent.New(userAgentStr)
		browser, _ := ua.Browser()
		os := ua.OS()

		var country string
		if h.geoResolver != nil {
			country, _ = h.geoResolver.Lookup(ip)
		}

		if _, err := h.db.Exec(ctx,
			`INSERT INTO watch_events (user_id, lesson_id, browser, os, country)
			 VALUES ($1, $2, $3, $4, $5)`,
			userID, lessonID, browser, os, country,
		); err != nil {
			slog.Error("lesson: failed to record watch event", "lesson_id", lessonID, "error", err)
		}
	}()
}
