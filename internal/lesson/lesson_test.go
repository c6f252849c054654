package lesson

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/edsy/edsy/internal/auth"
	"github.com/edsy/edsy/internal/playback"
	"github.com/edsy/edsy/internal/profile"
	"github.com/edsy/edsy/internal/source"
)

const (
	testUserID  = "550e8400-e29b-41d4-a716-446655440000"
	adminEmail  = "admin@example.com"
	viewerEmail = "viewer@example.com"
)

type fakeStorage struct {
	mu          sync.Mutex
	uploadURL   string
	downloadURL string
	headSize    int64
	headType    string
	headErr     error
	deleteErr   error
	deleted     []string
}

func (f *fakeStorage) GenerateUploadURL(_ context.Context, _ string, _ string, _ int64, _ time.Duration) (string, error) {
	return f.uploadURL, nil
}

func (f *fakeStorage) GenerateDownloadURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return f.downloadURL, nil
}

func (f *fakeStorage) DeleteObject(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeStorage) HeadObject(_ context.Context, _ string) (int64, string, error) {
	return f.headSize, f.headType, f.headErr
}

func (f *fakeStorage) deletedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func newTestHandler(t *testing.T) (*Handler, pgxmock.PgxPoolIface, *fakeStorage) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("create pgxmock pool: %v", err)
	}

	loader := func(_ context.Context, _ string) (time.Duration, error) {
		return 90 * time.Second, nil
	}
	prober := source.NewProberWithLoader(loader, time.Second)
	sessions := playback.NewManager(prober)
	profiles := profile.NewHandler(mock, profile.NewEntitlements(adminEmail, ""))
	fs := &fakeStorage{uploadURL: "https://bucket.example.com/put", downloadURL: "https://bucket.example.com/lesson.mp4", headSize: 1024, headType: "video/mp4"}

	h := NewHandler(mock, fs, profiles, sessions, prober, 1<<30)
	return h, mock, fs
}

func requestAs(method, target, userID, email string, body string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	return req.WithContext(auth.ContextWithIdentity(req.Context(), userID, email))
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func expectEntitlementQuery(mock pgxmock.PgxPoolIface, storedPro bool) {
	mock.ExpectQuery(`SELECT is_pro FROM users`).
		WithArgs(testUserID).
		WillReturnRows(pgxmock.NewRows([]string{"is_pro"}).AddRow(storedPro))
}

func waitForExpectations(t *testing.T, mock pgxmock.PgxPoolIface) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mock.ExpectationsWereMet() == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("unmet mock expectations: %v", mock.ExpectationsWereMet())
}

// --- Catalog ---

func TestListCourses(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT c.id, c.title, c.category`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "title", "category", "image", "instructor_id", "name", "count"}).
			AddRow("c1", "Mastering React & Next.js", "Frontend", "https://img.example.com/c1.jpg", "i1", "Harkirat Singh", 3).
			AddRow("c2", "DSA with Java Mastery", "Algorithms", "https://img.example.com/c2.jpg", "i2", "Shradha Khapra", 0))

	rec := httptest.NewRecorder()
	h.ListCourses(rec, httptest.NewRequest(http.MethodGet, "/api/courses", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var courses []courseResponse
	if err := json.NewDecoder(rec.Body).Decode(&courses); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(courses) != 2 {
		t.Fatalf("expected 2 courses, got %d", len(courses))
	}
	if courses[0].InstructorName != "Harkirat Singh" || courses[0].LessonCount != 3 {
		t.Errorf("unexpected first course: %+v", courses[0])
	}
}

func TestListLessons_ScopedToCourseInstructor(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT id, course_id, instructor_id, title`).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "course_id", "instructor_id", "title", "description", "duration", "thumbnail", "locked", "status"}).
			AddRow("l1", "c1", "i1", "Intro to Hooks", "useState and friends", "12:34", "https://img.example.com/l1.jpg", false, "ready"))

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/courses/c1/lessons", nil), "id", "c1")
	rec := httptest.NewRecorder()
	h.ListLessons(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var lessons []lessonResponse
	if err := json.NewDecoder(rec.Body).Decode(&lessons); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(lessons) != 1 || lessons[0].Title != "Intro to Hooks" {
		t.Errorf("unexpected lessons: %+v", lessons)
	}
}

func TestListLessons_EmptyCourse(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT id, course_id, instructor_id, title`).
		WithArgs("c2").
		WillReturnRows(pgxmock.NewRows([]string{"id", "course_id", "instructor_id", "title", "description", "duration", "thumbnail", "locked", "status"}))

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/courses/c2/lessons", nil), "id", "c2")
	rec := httptest.NewRecorder()
	h.ListLessons(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("expected empty JSON array, got %s", body)
	}
}

// --- Publish by link ---

func TestPublishLink_YouTube(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	expectEntitlementQuery(mock, false)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("c1", "i1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`INSERT INTO lessons`).
		WithArgs("c1", "i1", "Intro to Hooks", "useState and friends", "10:00",
			"https://img.youtube.com/vi/dQw4w9WgXcQ/maxresdefault.jpg",
			"https://youtu.be/dQw4w9WgXcQ", false).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("lesson-uuid-1"))

	body := `{"courseId":"c1","instructorId":"i1","title":"Intro to Hooks","description":"useState and friends","videoUrl":"https://youtu.be/dQw4w9WgXcQ"}`
	req := requestAs(http.MethodPost, "/api/lessons/link", testUserID, adminEmail, body)
	rec := httptest.NewRecorder()
	h.PublishLink(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, rec.Code, rec.Body.String())
	}

	var resp lessonResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "lesson-uuid-1" || resp.Duration != "10:00" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet mock expectations: %v", err)
	}
}

func TestPublishLink_DirectMediaProbed(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	expectEntitlementQuery(mock, false)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("c1", "i1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	// Loader reports 90s, so the stored duration is the probed one.
	mock.ExpectQuery(`INSERT INTO lessons`).
		WithArgs("c1", "i1", "Raw recording", "", "1:30", pgxmock.AnyArg(),
			"https://www.dropbox.com/s/abc/lesson.mp4?raw=1", false).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("lesson-uuid-2"))

	body := `{"courseId":"c1","instructorId":"i1","title":"Raw recording","videoUrl":"https://www.dropbox.com/s/abc/lesson.mp4?dl=0"}`
	req := requestAs(http.MethodPost, "/api/lessons/link", testUserID, adminEmail, body)
	rec := httptest.NewRecorder()
	h.PublishLink(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet mock expectations: %v", err)
	}
}

func TestPublishLink_RejectsNonAdmin(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	expectEntitlementQuery(mock, false)

	body := `{"courseId":"c1","instructorId":"i1","title":"Intro","videoUrl":"https://youtu.be/dQw4w9WgXcQ"}`
	req := requestAs(http.MethodPost, "/api/lessons/link", testUserID, viewerEmail, body)
	rec := httptest.NewRecorder()
	h.PublishLink(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected status %d, got %d", http.StatusForbidden, rec.Code)
	}
}

func TestPublishLink_UnknownCourse(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	expectEntitlementQuery(mock, false)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("nope", "i1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	body := `{"courseId":"nope","instructorId":"i1","title":"Intro","videoUrl":"https://youtu.be/dQw4w9WgXcQ"}`
	req := requestAs(http.MethodPost, "/api/lessons/link", testUserID, adminEmail, body)
	rec := httptest.NewRecorder()
	h.PublishLink(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

// --- Publish by upload ---

func TestCreateUpload_Success(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	expectEntitlementQuery(mock, false)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("c1", "i1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`INSERT INTO lessons`).
		WithArgs("c1", "i1", "Uploaded lesson", "", pgxmock.AnyArg(), int64(2048), "video/mp4", false).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("lesson-uuid-3"))

	body := `{"courseId":"c1","instructorId":"i1","title":"Uploaded lesson","fileName":"lesson.mp4","fileSize":2048,"contentType":"video/mp4"}`
	req := requestAs(http.MethodPost, "/api/lessons/upload", testUserID, adminEmail, body)
	rec := httptest.NewRecorder()
	h.CreateUpload(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, rec.Code, rec.Body.String())
	}

	var resp createUploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "lesson-uuid-3" || resp.UploadURL == "" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestCreateUpload_RejectsUnsupportedType(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	expectEntitlementQuery(mock, false)

	body := `{"courseId":"c1","instructorId":"i1","title":"Bad upload","fileName":"x.avi","fileSize":2048,"contentType":"video/avi"}`
	req := requestAs(http.MethodPost, "/api/lessons/upload", testUserID, adminEmail, body)
	rec := httptest.NewRecorder()
	h.CreateUpload(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestFinalize_VerifiesUploadAndProbes(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	expectEntitlementQuery(mock, false)
	mock.ExpectQuery(`SELECT file_key, file_size, content_type FROM lessons`).
		WithArgs("lesson-uuid-3").
		WillReturnRows(pgxmock.NewRows([]string{"file_key", "file_size", "content_type"}).
			AddRow("lessons/c1/abcd1234.mp4", int64(1024), "video/mp4"))
	mock.ExpectExec(`UPDATE lessons SET status = 'ready'`).
		WithArgs("lesson-uuid-3").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	// Background probe stores the real duration afterwards.
	mock.ExpectExec(`UPDATE lessons SET duration`).
		WithArgs("1:30", "lesson-uuid-3").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	req := withURLParam(requestAs(http.MethodPatch, "/api/lessons/lesson-uuid-3", testUserID, adminEmail, `{"status":"ready"}`), "id", "lesson-uuid-3")
	rec := httptest.NewRecorder()
	h.Finalize(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d: %s", http.StatusNoContent, rec.Code, rec.Body.String())
	}
	waitForExpectations(t, mock)
}

func TestFinalize_SizeMismatch(t *testing.T) {
	h, mock, fs := newTestHandler(t)
	defer mock.Close()
	fs.headSize = 999

	expectEntitlementQuery(mock, false)
	mock.ExpectQuery(`SELECT file_key, file_size, content_type FROM lessons`).
		WithArgs("lesson-uuid-3").
		WillReturnRows(pgxmock.NewRows([]string{"file_key", "file_size", "content_type"}).
			AddRow("lessons/c1/abcd1234.mp4", int64(1024), "video/mp4"))

	req := withURLParam(requestAs(http.MethodPatch, "/api/lessons/lesson-uuid-3", testUserID, adminEmail, `{"status":"ready"}`), "id", "lesson-uuid-3")
	rec := httptest.NewRecorder()
	h.Finalize(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestDelete_CleansUpStoredFile(t *testing.T) {
	h, mock, fs := newTestHandler(t)
	defer mock.Close()

	expectEntitlementQuery(mock, false)
	fileKey := "lessons/c1/abcd1234.mp4"
	mock.ExpectQuery(`UPDATE lessons SET status = 'deleted'`).
		WithArgs("lesson-uuid-3").
		WillReturnRows(pgxmock.NewRows([]string{"file_key"}).AddRow(&fileKey))

	req := withURLParam(requestAs(http.MethodDelete, "/api/lessons/lesson-uuid-3", testUserID, adminEmail, ""), "id", "lesson-uuid-3")
	rec := httptest.NewRecorder()
	h.Delete(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d: %s", http.StatusNoContent, rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(fs.deletedKeys()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if keys := fs.deletedKeys(); len(keys) != 1 || keys[0] != fileKey {
		t.Errorf("expected stored file deleted, got %v", keys)
	}
}

func TestDelete_LinkLessonSkipsStorage(t *testing.T) {
	h, mock, fs := newTestHandler(t)
	defer mock.Close()

	expectEntitlementQuery(mock, false)
	mock.ExpectQuery(`UPDATE lessons SET status = 'deleted'`).
		WithArgs("lesson-uuid-1").
		WillReturnRows(pgxmock.NewRows([]string{"file_key"}).AddRow((*string)(nil)))

	req := withURLParam(requestAs(http.MethodDelete, "/api/lessons/lesson-uuid-1", testUserID, adminEmail, ""), "id", "lesson-uuid-1")
	rec := httptest.NewRecorder()
	h.Delete(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
	time.Sleep(50 * time.Millisecond)
	if keys := fs.deletedKeys(); len(keys) != 0 {
		t.Errorf("expected no storage deletes for link lessons, got %v", keys)
	}
}

// --- Watch crediting ---

func TestWatch_FirstWatchCredits(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	mock.ExpectQuery(`UPDATE users SET points = points`).
		WithArgs(100, "lesson-uuid-1", testUserID).
		WillReturnRows(pgxmock.NewRows([]string{"points"}).AddRow(400))
	mock.ExpectExec(`INSERT INTO watch_events`).
		WithArgs(testUserID, "lesson-uuid-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	req := withURLParam(requestAs(http.MethodPost, "/api/lessons/lesson-uuid-1/watch", testUserID, viewerEmail, ""), "id", "lesson-uuid-1")
	rec := httptest.NewRecorder()
	h.Watch(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var resp watchResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Credited || resp.PointsAwarded != 100 || resp.Points != 400 {
		t.Errorf("unexpected response: %+v", resp)
	}
	waitForExpectations(t, mock)
}

func TestWatch_RepeatIsIdempotent(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	mock.ExpectQuery(`UPDATE users SET points = points`).
		WithArgs(100, "lesson-uuid-1", testUserID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT points FROM users`).
		WithArgs(testUserID).
		WillReturnRows(pgxmock.NewRows([]string{"points"}).AddRow(400))

	req := withURLParam(requestAs(http.MethodPost, "/api/lessons/lesson-uuid-1/watch", testUserID, viewerEmail, ""), "id", "lesson-uuid-1")
	rec := httptest.NewRecorder()
	h.Watch(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var resp watchResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Credited || !resp.AlreadyWatched || resp.Points != 400 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

// --- Playback sessions ---

func playRequest(lessonID, email string) *http.Request {
	return withURLParam(requestAs(http.MethodPost, "/api/lessons/"+lessonID+"/play", testUserID, email, ""), "id", lessonID)
}

func TestPlay_EmbeddedLesson(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT video_url, file_key, duration, locked FROM lessons`).
		WithArgs("lesson-uuid-1").
		WillReturnRows(pgxmock.NewRows([]string{"video_url", "file_key", "duration", "locked"}).
			AddRow("https://youtu.be/dQw4w9WgXcQ", (*string)(nil), "10:00", false))
	expectEntitlementQuery(mock, false)

	rec := httptest.NewRecorder()
	h.Play(rec, playRequest("lesson-uuid-1", viewerEmail))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var resp playResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Kind != "youtube" {
		t.Errorf("expected youtube kind, got %q", resp.Kind)
	}
	if !strings.Contains(resp.EmbedURL, "youtube-nocookie.com/embed/dQw4w9WgXcQ") {
		t.Errorf("unexpected embed URL %q", resp.EmbedURL)
	}
	if resp.Gated {
		t.Error("embedded sources must not be gated")
	}
}

func TestPlay_DirectMediaIsGated(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT video_url, file_key, duration, locked FROM lessons`).
		WithArgs("lesson-uuid-2").
		WillReturnRows(pgxmock.NewRows([]string{"video_url", "file_key", "duration", "locked"}).
			AddRow("https://example.com/lesson.mp4", (*string)(nil), "1:30", false))
	expectEntitlementQuery(mock, false)

	rec := httptest.NewRecorder()
	h.Play(rec, playRequest("lesson-uuid-2", viewerEmail))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var resp playResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Kind != "direct" || !resp.Gated {
		t.Errorf("expected gated direct media, got %+v", resp)
	}
	if resp.PreviewSeconds != 180 {
		t.Errorf("expected 180s preview, got %d", resp.PreviewSeconds)
	}
	if resp.VideoURL != "https://example.com/lesson.mp4" {
		t.Errorf("unexpected video URL %q", resp.VideoURL)
	}
}

func TestPlay_UploadedLessonResolvesPresignedURL(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	fileKey := "lessons/c1/abcd1234.mp4"
	mock.ExpectQuery(`SELECT video_url, file_key, duration, locked FROM lessons`).
		WithArgs("lesson-uuid-3").
		WillReturnRows(pgxmock.NewRows([]string{"video_url", "file_key", "duration", "locked"}).
			AddRow("", &fileKey, "1:30", false))
	expectEntitlementQuery(mock, false)

	rec := httptest.NewRecorder()
	h.Play(rec, playRequest("lesson-uuid-3", viewerEmail))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var resp playResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.VideoURL != "https://bucket.example.com/lesson.mp4" {
		t.Errorf("expected presigned URL, got %q", resp.VideoURL)
	}
	if resp.Kind != "direct" {
		t.Errorf("expected direct kind for uploaded file, got %q", resp.Kind)
	}
}

func TestPlay_LockedLessonRequiresEntitlement(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT video_url, file_key, duration, locked FROM lessons`).
		WithArgs("lesson-uuid-4").
		WillReturnRows(pgxmock.NewRows([]string{"video_url", "file_key", "duration", "locked"}).
			AddRow("https://youtu.be/dQw4w9WgXcQ", (*string)(nil), "10:00", true))
	expectEntitlementQuery(mock, false)

	rec := httptest.NewRecorder()
	h.Play(rec, playRequest("lesson-uuid-4", viewerEmail))

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected status %d, got %d", http.StatusForbidden, rec.Code)
	}
}

func TestPlay_LockedLessonAllowsPro(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT video_url, file_key, duration, locked FROM lessons`).
		WithArgs("lesson-uuid-4").
		WillReturnRows(pgxmock.NewRows([]string{"video_url", "file_key", "duration", "locked"}).
			AddRow("https://youtu.be/dQw4w9WgXcQ", (*string)(nil), "10:00", true))
	expectEntitlementQuery(mock, true)

	rec := httptest.NewRecorder()
	h.Play(rec, playRequest("lesson-uuid-4", viewerEmail))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestPlay_NotFound(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT video_url, file_key, duration, locked FROM lessons`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	rec := httptest.NewRecorder()
	h.Play(rec, playRequest("missing", viewerEmail))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestTimeUpdate_ExpiresPreview(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT video_url, file_key, duration, locked FROM lessons`).
		WithArgs("lesson-uuid-2").
		WillReturnRows(pgxmock.NewRows([]string{"video_url", "file_key", "duration", "locked"}).
			AddRow("https://example.com/lesson.mp4", (*string)(nil), "1:30", false))
	expectEntitlementQuery(mock, false)

	h.Play(httptest.NewRecorder(), playRequest("lesson-uuid-2", viewerEmail))

	req := requestAs(http.MethodPost, "/api/playback/time", testUserID, viewerEmail, `{"position":180}`)
	rec := httptest.NewRecorder()
	h.TimeUpdate(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var resp timeUpdateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != "previewExpired" || !resp.Pause || !resp.ShowPaywall {
		t.Errorf("expected expiry directive, got %+v", resp)
	}
	if resp.ClampTo == nil || *resp.ClampTo != 180 {
		t.Errorf("expected clamp to 180, got %+v", resp.ClampTo)
	}
}

func TestTimeUpdate_NoSession(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	req := requestAs(http.MethodPost, "/api/playback/time", testUserID, viewerEmail, `{"position":10}`)
	rec := httptest.NewRecorder()
	h.TimeUpdate(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestStopPlayback(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT video_url, file_key, duration, locked FROM lessons`).
		WithArgs("lesson-uuid-1").
		WillReturnRows(pgxmock.NewRows([]string{"video_url", "file_key", "duration", "locked"}).
			AddRow("https://youtu.be/dQw4w9WgXcQ", (*string)(nil), "10:00", false))
	expectEntitlementQuery(mock, false)

	h.Play(httptest.NewRecorder(), playRequest("lesson-uuid-1", viewerEmail))

	req := requestAs(http.MethodPost, "/api/playback/stop", testUserID, viewerEmail, "")
	rec := httptest.NewRecorder()
	h.StopPlayback(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}

	timeReq := requestAs(http.MethodPost, "/api/playback/time", testUserID, viewerEmail, `{"position":10}`)
	timeRec := httptest.NewRecorder()
	h.TimeUpdate(timeRec, timeReq)
	if timeRec.Code != http.StatusNotFound {
		t.Errorf("expected no session after stop, got %d", timeRec.Code)
	}
}

func TestDeleteWithRetry_EventuallyGivesUp(t *testing.T) {
	fs := &fakeStorage{deleteErr: errors.New("bucket unavailable")}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := deleteWithRetry(ctx, fs, "lessons/c1/x.mp4", 2)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}
