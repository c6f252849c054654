// Package profile serves the viewer profile and derives entitlements.
package profile

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/edsy/edsy/internal/auth"
	"github.com/edsy/edsy/internal/database"
	"github.com/edsy/edsy/internal/httputil"
	"github.com/edsy/edsy/internal/playback"
)

// Entitlements resolves admin and pro status. Membership comes from
// configured email allowlists plus the persistent is_pro column; the
// allowlists let operators grant access without touching the database.
type Entitlements struct {
	adminEmails map[string]bool
	proEmails   map[string]bool
}

// NewEntitlements takes comma-separated email lists.
func NewEntitlements(adminEmails, proEmails string) *Entitlements {
	return &Entitlements{
		adminEmails: parseEmailList(adminEmails),
		proEmails:   parseEmailList(proEmails),
	}
}

func parseEmailList(list string) map[string]bool {
	out := make(map[string]bool)
	for _, e := range strings.Split(list, ",") {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			out[e] = true
		}
	}
	return out
}

func (e *Entitlements) IsAdmin(email string) bool {
	return e.adminEmails[strings.ToLower(email)]
}

// For combines the allowlists with the stored pro flag.
func (e *Entitlements) For(email string, storedPro bool) playback.Entitlement {
	email = strings.ToLower(email)
	return playback.Entitlement{
		IsAdmin: e.adminEmails[email],
		IsPro:   storedPro || e.proEmails[email],
	}
}

type Handler struct {
	db           database.DBTX
	entitlements *Entitlements
}

func NewHandler(db database.DBTX, entitlements *Entitlements) *Handler {
	return &Handler{db: db, entitlements: entitlements}
}

type profileResponse struct {
	ID               string   `json:"id"`
	Email            string   `json:"email"`
	Name             string   `json:"name"`
	Points           int      `json:"points"`
	Tier             int      `json:"tier"`
	HoursSpent       int      `json:"hoursSpent"`
	CoursesCompleted int      `json:"coursesCompleted"`
	WatchedLessons   []string `json:"watchedLessons"`
	CompletedCourses []string `json:"completedCourses"`
	IsPro            bool     `json:"isPro"`
	IsAdmin          bool     `json:"isAdmin"`
}

// Tier is derived from accumulated points, one level per thousand.
func Tier(points int) int {
	return points/1000 + 1
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	var resp profileResponse
	err := h.db.QueryRow(r.Context(),
		`SELECT id, email, name, points, hours_spent, watched_lessons, completed_courses, is_pro
		 FROM users WHERE id = $1`, userID,
	).Scan(&resp.ID, &resp.Email, &resp.Name, &resp.Points, &resp.HoursSpent,
		&resp.WatchedLessons, &resp.CompletedCourses, &resp.IsPro)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httputil.WriteError(w, http.StatusNotFound, "profile not found")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}

	ent := h.entitlements.For(resp.Email, resp.IsPro)
	resp.IsPro = ent.IsPro
	resp.IsAdmin = ent.IsAdmin
	resp.Tier = Tier(resp.Points)
	resp.CoursesCompleted = len(resp.CompletedCourses)
	if resp.WatchedLessons == nil {
		resp.WatchedLessons = []string{}
	}
	if resp.CompletedCourses == nil {
		resp.CompletedCourses = []string{}
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}

// CompleteCourse appends the course to completed_courses. Repeat calls are
// no-ops at the SQL level.
func (h *Handler) CompleteCourse(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	courseID := chi.URLParam(r, "id")
	if courseID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "course id required")
		return
	}

	tag, err := h.db.Exec(r.Context(),
		`UPDATE users SET completed_courses = array_append(completed_courses, $1)
		 WHERE id = $2 AND NOT ($1 = ANY(completed_courses))`,
		courseID, userID,
	)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to record completion")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]bool{
		"completed":       true,
		"alreadyRecorded": tag.RowsAffected() == 0,
	})
}

// Entitlement loads the viewer's current entitlement for gating decisions.
func (h *Handler) Entitlement(ctx context.Context, userID, email string) (playback.Entitlement, error) {
	var storedPro bool
	err := h.db.QueryRow(ctx, "SELECT is_pro FROM users WHERE id = $1", userID).Scan(&storedPro)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return playback.Entitlement{}, err
	}
	return h.entitlements.For(email, storedPro), nil
}

// SetPro persists the pro flag. Called from the billing webhook after a
// completed payment.
func (h *Handler) SetPro(ctx context.Context, userID string) error {
	_, err := h.db.Exec(ctx, "UPDATE users SET is_pro = true WHERE id = $1", userID)
	return err
}
