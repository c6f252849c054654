package lesson

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/edsy/edsy/internal/auth"
	"github.com/edsy/edsy/internal/httputil"
	"github.com/edsy/edsy/internal/plans"
	"github.com/edsy/edsy/internal/source"
)

type playResponse struct {
	LessonID       string `json:"lessonId"`
	Kind           string `json:"kind"`
	EmbedURL       string `json:"embedUrl,omitempty"`
	VideoURL       string `json:"videoUrl,omitempty"`
	Duration       string `json:"duration"`
	Gated          bool   `json:"gated"`
	PreviewSeconds int    `json:"previewSeconds"`
}

type timeUpdateRequest struct {
	Position float64 `json:"position"`
}

type timeUpdateResponse struct {
	State          string   `json:"state"`
	ClampTo        *float64 `json:"clampTo,omitempty"`
	Pause          bool     `json:"pause"`
	ShowPaywall    bool     `json:"showPaywall"`
	PersistWarning bool     `json:"persistWarning,omitempty"`
}

// Play opens a playback session for a lesson, replacing any session the
// viewer already had. Uploaded lessons are resolved to a presigned URL;
// linked lessons play their stored source.
func (h *Handler) Play(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	lessonID := chi.URLParam(r, "id")

	var (
		videoURL string
		fileKey  *string
		duration string
		locked   bool
	)
	err := h.db.QueryRow(r.Context(),
		`SELECT video_url, file_key, duration, locked FROM lessons
		 WHERE id = $1 AND status = 'ready'`, lessonID,
	).Scan(&videoURL, &fileKey, &duration, &locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httputil.WriteError(w, http.StatusNotFound, "lesson not found")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load lesson")
		return
	}

	ent, err := h.profiles.Entitlement(r.Context(), userID, auth.EmailFromContext(r.Context()))
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load entitlement")
		return
	}

	if locked && !ent.BypassesGate() {
		httputil.WriteError(w, http.StatusForbidden, "lesson requires an upgrade")
		return
	}

	rawURL := videoURL
	if rawURL == "" && fileKey != nil {
		rawURL, err = h.storage.GenerateDownloadURL(r.Context(), *fileKey, 1*time.Hour)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to resolve video")
			return
		}
	}
	if rawURL == "" {
		httputil.WriteError(w, http.StatusConflict, "lesson has no playable source")
		return
	}

	s := h.sessions.Start(userID, lessonID, rawURL, ent)

	resp := playResponse{
		LessonID:       lessonID,
		Kind:           s.Class.Kind.String(),
		Duration:       duration,
		Gated:          s.Gate.Gated(),
		PreviewSeconds: plans.Free.PreviewSeconds,
	}
	if embed, ok := source.EmbedURL(s.Class, s.Source); ok {
		resp.EmbedURL = embed
	}
	if s.Class.Kind == source.KindDirect || s.Class.Kind == source.KindUnknown {
		resp.VideoURL = s.Source
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}

// TimeUpdate reports the player position and returns the gate's directive.
func (h *Handler) TimeUpdate(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	var req timeUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, ok := h.sessions.Active(userID)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "no active playback session")
		return
	}

	d := s.Gate.ObserveTime(req.Position)
	httputil.WriteJSON(w, http.StatusOK, timeUpdateResponse{
		State:          s.Gate.State().String(),
		ClampTo:        d.ClampTo,
		Pause:          d.Pause,
		ShowPaywall:    d.ShowPaywall,
		PersistWarning: s.Gate.TakePersistWarning(),
	})
}

// DismissPaywall hides the upsell prompt without resuming playback.
func (h *Handler) DismissPaywall(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	s, ok := h.sessions.Active(userID)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "no active playback session")
		return
	}

	s.Gate.Dismiss()
	w.WriteHeader(http.StatusNoContent)
}

// StopPlayback drops the viewer's session when they navigate away.
func (h *Handler) StopPlayback(w http.ResponseWriter, r *http.Request) {
	h.sessions.Stop(auth.UserIDFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
