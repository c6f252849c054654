// Package validate holds text field length limits shared by every handler
// that accepts user input.
package validate

import "fmt"

// Single source of truth for backend and frontend.
const (
	MaxLessonTitleLength       = 200
	MaxLessonDescriptionLength = 2000
	MaxCourseTitleLength       = 200
	MaxUserNameLength          = 100
	MaxVideoURLLength          = 2000
	MaxThumbnailURLLength      = 2000
)

func checkLen(value string, max int, field string) string {
	if len(value) > max {
		return fmt.Sprintf("%s must be %d characters or fewer", field, max)
	}
	return ""
}

func LessonTitle(s string) string { return checkLen(s, MaxLessonTitleLength, "lesson title") }
func LessonDescription(s string) string {
	return checkLen(s, MaxLessonDescriptionLength, "lesson description")
}
func CourseTitle(s string) string  { return checkLen(s, MaxCourseTitleLength, "course title") }
func UserName(s string) string     { return checkLen(s, MaxUserNameLength, "name") }
func VideoURL(s string) string     { return checkLen(s, MaxVideoURLLength, "video URL") }
func ThumbnailURL(s string) string { return checkLen(s, MaxThumbnailURLLength, "thumbnail URL") }

// FieldLimits returns a map of field names to max lengths for the /api/limits endpoint.
func FieldLimits() map[string]int {
	return map[string]int{
		"lessonTitle":       MaxLessonTitleLength,
		"lessonDescription": MaxLessonDescriptionLength,
		"courseTitle":       MaxCourseTitleLength,
		"userName":          MaxUserNameLength,
		"videoURL":          MaxVideoURLLength,
		"thumbnailURL":      MaxThumbnailURLLength,
	}
}
