package lesson

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edsy/edsy/internal/httputil"
)

type courseResponse struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Category       string `json:"category"`
	Image          string `json:"image"`
	InstructorID   string `json:"instructorId"`
	InstructorName string `json:"instructorName"`
	LessonCount    int    `json:"lessonCount"`
}

type instructorResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Bio      string `json:"bio"`
	Image    string `json:"image"`
	Students string `json:"students"`
	TopRated bool   `json:"topRated"`
}

type categoryResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Domain     string `json:"domain"`
	Icon       string `json:"icon"`
	Color      string `json:"color"`
	IsUpcoming bool   `json:"isUpcoming"`
}

type lessonResponse struct {
	ID           string `json:"id"`
	CourseID     string `json:"courseId"`
	InstructorID string `json:"instructorId"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Duration     string `json:"duration"`
	Thumbnail    string `json:"thumbnail"`
	Locked       bool   `json:"locked"`
	Status       string `json:"status"`
}

func (h *Handler) ListCourses(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.Query(r.Context(),
		`SELECT c.id, c.title, c.category, c.image, c.instructor_id, i.name,
		        (SELECT count(*) FROM lessons l
		         WHERE l.course_id = c.id AND l.instructor_id = c.instructor_id AND l.status = 'ready')
		 FROM courses c
		 JOIN instructors i ON i.id = c.instructor_id
		 ORDER BY c.id`)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list courses")
		return
	}
	defer rows.Close()

	courses := []courseResponse{}
	for rows.Next() {
		var c courseResponse
		if err := rows.Scan(&c.ID, &c.Title, &c.Category, &c.Image, &c.InstructorID, &c.InstructorName, &c.LessonCount); err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to list courses")
			return
		}
		courses = append(courses, c)
	}
	if rows.Err() != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list courses")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, courses)
}

func (h *Handler) ListInstructors(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.Query(r.Context(),
		`SELECT id, name, role, bio, image, students, top_rated FROM instructors ORDER BY id`)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list instructors")
		return
	}
	defer rows.Close()

	instructors := []instructorResponse{}
	for rows.Next() {
		var i instructorResponse
		if err := rows.Scan(&i.ID, &i.Name, &i.Role, &i.Bio, &i.Image, &i.Students, &i.TopRated); err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to list instructors")
			return
		}
		instructors = append(instructors, i)
	}
	if rows.Err() != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list instructors")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, instructors)
}

func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.Query(r.Context(),
		`SELECT id, name, domain, icon, color, is_upcoming FROM categories ORDER BY name`)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list categories")
		return
	}
	defer rows.Close()

	categories := []categoryResponse{}
	for rows.Next() {
		var c categoryResponse
		if err := rows.Scan(&c.ID, &c.Name, &c.Domain, &c.Icon, &c.Color, &c.IsUpcoming); err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to list categories")
			return
		}
		categories = append(categories, c)
	}
	if rows.Err() != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list categories")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, categories)
}

// ListLessons returns the ready lessons for a course. A lesson belongs to
// the course only when both the course id and the course's instructor
// match, so lessons published against a different instructor never leak
// into the listing.
func (h *Handler) ListLessons(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "id")
	if courseID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "course id required")
		return
	}

	rows, err := h.db.Query(r.Context(),
		`SELECT id, course_id, instructor_id, title, description, duration, thumbnail, locked, status
		 FROM lessons
		 WHERE course_id = $1
		   AND instructor_id = (SELECT instructor_id FROM courses WHERE id = $1)
		   AND status = 'ready'
		 ORDER BY created_at`, courseID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list lessons")
		return
	}
	defer rows.Close()

	lessons := []lessonResponse{}
	for rows.Next() {
		var l lessonResponse
		if err := rows.Scan(&l.ID, &l.CourseID, &l.InstructorID, &l.Title, &l.Description, &l.Duration, &l.Thumbnail, &l.Locked, &l.Status); err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to list lessons")
			return
		}
		lessons = append(lessons, l)
	}
	if rows.Err() != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list lessons")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, lessons)
}
