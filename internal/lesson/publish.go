package lesson

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edsy/edsy/internal/auth"
	"github.com/edsy/edsy/internal/httputil"
	"github.com/edsy/edsy/internal/source"
	"github.com/edsy/edsy/internal/storage"
	"github.com/edsy/edsy/internal/validate"
)

type publishLinkRequest struct {
	CourseID     string `json:"courseId"`
	InstructorID string `json:"instructorId"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	VideoURL     string `json:"videoUrl"`
	Thumbnail    string `json:"thumbnail"`
	Locked       bool   `json:"locked"`
}

type createUploadRequest struct {
	CourseID     string `json:"courseId"`
	InstructorID string `json:"instructorId"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	FileName     string `json:"fileName"`
	FileSize     int64  `json:"fileSize"`
	ContentType  string `json:"contentType"`
	Locked       bool   `json:"locked"`
}

type createUploadResponse struct {
	ID        string `json:"id"`
	UploadURL string `json:"uploadUrl"`
}

type finalizeRequest struct {
	Status string `json:"status"`
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	ent, err := h.profiles.Entitlement(r.Context(), auth.UserIDFromContext(r.Context()), auth.EmailFromContext(r.Context()))
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to check permissions")
		return false
	}
	if !ent.IsAdmin {
		httputil.WriteError(w, http.StatusForbidden, "admin access required")
		return false
	}
	return true
}

func (h *Handler) validatePublishFields(w http.ResponseWriter, title, description string) bool {
	if title == "" {
		httputil.WriteError(w, http.StatusBadRequest, "title is required")
		return false
	}
	if msg := validate.LessonTitle(title); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return false
	}
	if msg := validate.LessonDescription(description); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return false
	}
	return true
}

func (h *Handler) courseExists(ctx context.Context, courseID, instructorID string) (bool, error) {
	var exists bool
	err := h.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM courses WHERE id = $1 AND instructor_id = $2)",
		courseID, instructorID,
	).Scan(&exists)
	return exists, err
}

// PublishLink creates a lesson from a pasted video URL. The URL is
// normalized and classified up front; direct media is probed for its real
// duration, everything else keeps the default.
func (h *Handler) PublishLink(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var req publishLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.CourseID == "" || req.InstructorID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "courseId and instructorId are required")
		return
	}
	if !h.validatePublishFields(w, req.Title, req.Description) {
		return
	}
	if req.VideoURL == "" {
		httputil.WriteError(w, http.StatusBadRequest, "videoUrl is required")
		return
	}
	if msg := validate.VideoURL(req.VideoURL); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validate.ThumbnailURL(req.Thumbnail); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}

	ok, err := h.courseExists(r.Context(), req.CourseID, req.InstructorID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to verify course")
		return
	}
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "course not found for instructor")
		return
	}

	normalized := source.Normalize(req.VideoURL)
	class := source.Classify(normalized)

	thumbnail := req.Thumbnail
	if thumbnail == "" {
		thumbnail = source.ThumbnailURL(class)
	}

	duration := source.FallbackDuration
	if class.Kind == source.KindDirect {
		duration = h.prober.Duration(r.Context(), normalized)
	}

	var lessonID string
	err = h.db.QueryRow(r.Context(),
		`INSERT INTO lessons (course_id, instructor_id, title, description, duration, thumbnail, video_url, status, locked)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'ready', $8) RETURNING id`,
		req.CourseID, req.InstructorID, req.Title, req.Description, duration, thumbnail, normalized, req.Locked,
	).Scan(&lessonID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create lesson")
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, lessonResponse{
		ID:           lessonID,
		CourseID:     req.CourseID,
		InstructorID: req.InstructorID,
		Title:        req.Title,
		Description:  req.Description,
		Duration:     duration,
		Thumbnail:    thumbnail,
		Locked:       req.Locked,
		Status:       "ready",
	})
}

// CreateUpload opens a presigned upload slot for a lesson video file.
func (h *Handler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var req createUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.CourseID == "" || req.InstructorID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "courseId and instructorId are required")
		return
	}
	if !h.validatePublishFields(w, req.Title, req.Description) {
		return
	}
	if req.FileSize <= 0 {
		httputil.WriteError(w, http.StatusBadRequest, "fileSize must be positive")
		return
	}
	if h.maxUploadBytes > 0 && req.FileSize > h.maxUploadBytes {
		httputil.WriteError(w, http.StatusBadRequest, "file too large")
		return
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "video/mp4"
	}
	if contentType != "video/mp4" && contentType != "video/webm" && contentType != "video/quicktime" {
		httputil.WriteError(w, http.StatusBadRequest, "unsupported video content type")
		return
	}

	ok, err := h.courseExists(r.Context(), req.CourseID, req.InstructorID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to verify course")
		return
	}
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "course not found for instructor")
		return
	}

	fileKey, err := storage.LessonKey(req.CourseID, req.FileName)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to generate file key")
		return
	}

	var lessonID string
	err = h.db.QueryRow(r.Context(),
		`INSERT INTO lessons (course_id, instructor_id, title, description, file_key, file_size, content_type, status, locked)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'uploading', $8) RETURNING id`,
		req.CourseID, req.InstructorID, req.Title, req.Description, fileKey, req.FileSize, contentType, req.Locked,
	).Scan(&lessonID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create lesson")
		return
	}

	uploadURL, err := h.storage.GenerateUploadURL(r.Context(), fileKey, contentType, req.FileSize, 30*time.Minute)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to generate upload URL")
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, createUploadResponse{ID: lessonID, UploadURL: uploadURL})
}

// Finalize flips an uploaded lesson to ready after verifying the object
// actually landed in the bucket, then probes its duration in the
// background.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	lessonID := chi.URLParam(r, "id")

	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status != "ready" {
		httputil.WriteError(w, http.StatusBadRequest, "status can only be set to ready")
		return
	}

	var fileKey string
	var fileSize int64
	var expectedContentType string
	err := h.db.QueryRow(r.Context(),
		`SELECT file_key, file_size, content_type FROM lessons
		 WHERE id = $1 AND status = 'uploading'`, lessonID,
	).Scan(&fileKey, &fileSize, &expectedContentType)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "lesson not found")
		return
	}

	size, contentType, err := h.storage.HeadObject(r.Context(), fileKey)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "could not verify upload")
		return
	}
	if size <= 0 || (h.maxUploadBytes > 0 && size > h.maxUploadBytes) {
		httputil.WriteError(w, http.StatusBadRequest, "uploaded file invalid size")
		return
	}
	if fileSize > 0 && size != fileSize {
		httputil.WriteError(w, http.StatusBadRequest, "uploaded file size mismatch")
		return
	}
	if contentType != expectedContentType {
		httputil.WriteError(w, http.StatusBadRequest, "uploaded file invalid type")
		return
	}

	tag, err := h.db.Exec(r.Context(),
		`UPDATE lessons SET status = 'ready', updated_at = now()
		 WHERE id = $1 AND status = 'uploading'`, lessonID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to update lesson")
		return
	}
	if tag.RowsAffected() == 0 {
		httputil.WriteError(w, http.StatusNotFound, "lesson not found")
		return
	}

	go h.probeUploadedDuration(lessonID, fileKey)

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) probeUploadedDuration(lessonID, fileKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	url, err := h.storage.GenerateDownloadURL(ctx, fileKey, 1*time.Hour)
	if err != nil {
		slog.Error("lesson: failed to presign for duration probe", "lesson_id", lessonID, "error", err)
		return
	}
	duration := h.prober.Duration(ctx, url)
	if _, err := h.db.Exec(ctx,
		"UPDATE lessons SET duration = $1, updated_at = now() WHERE id = $2",
		duration, lessonID,
	); err != nil {
		slog.Error("lesson: failed to store probed duration", "lesson_id", lessonID, "error", err)
	}
}

// Delete soft-deletes the lesson and cleans up its stored file with
// retries in the background.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	lessonID := chi.URLParam(r, "id")

	var fileKey *string
	err := h.db.QueryRow(r.Context(),
		`UPDATE lessons SET status = 'deleted', updated_at = now()
		 WHERE id = $1 AND status != 'deleted'
		 RETURNING file_key`, lessonID,
	).Scan(&fileKey)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "lesson not found")
		return
	}

	if fileKey != nil {
		key := *fileKey
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := deleteWithRetry(ctx, h.storage, key, 3); err != nil {
				slog.Error("lesson: all delete retries failed", "key", key, "error", err)
			}
		}()
	}

	w.WriteHeader(http.StatusNoContent)
}
