// Package source resolves pasted lesson URLs into playable form: it
// normalizes known hosting quirks, classifies which playback strategy a
// source needs, and probes direct media for a display duration.
package source

import (
	"net/url"
	"regexp"
	"strings"
)

// Kind is the playback strategy a normalized source requires.
type Kind int

const (
	KindUnknown Kind = iota
	KindYouTube
	KindDrive
	KindDirect
)

func (k Kind) String() string {
	switch k {
	case KindYouTube:
		return "youtube"
	case KindDrive:
		return "drive"
	case KindDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// Classification is the result of classifying a normalized source.
// Exactly one kind applies; VideoID is set only for KindYouTube and
// FileID only for KindDrive.
type Classification struct {
	Kind    Kind   `json:"kind"`
	VideoID string `json:"videoId,omitempty"`
	FileID  string `json:"fileId,omitempty"`
}

func (c Classification) MarshalKind() string { return c.Kind.String() }

var (
	youtubeRe = regexp.MustCompile(`(?:youtu\.be/|/v/|/u/\d/|/embed/|watch\?v=|&v=|/shorts/)([^#&?]{11})`)
	driveRe   = regexp.MustCompile(`(?:file/d/|open\?id=|drive/folders/)([A-Za-z0-9_-]{25,})`)
)

var directExtensions = []string{".mp4", ".webm", ".ogg", ".mov", ".m4v", ".ts", ".m3u8"}

// Markers that identify hosts known to serve raw media bytes even when the
// path carries no recognizable extension.
var directHostMarkers = []string{"firebasestorage", "amazonaws.com", "cloudinary.com"}

// Normalize rewrites a raw pasted source into a directly embeddable form.
// It is pure, total and idempotent: empty input maps to empty output and
// re-normalizing a normalized source yields the same value.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "dropbox.com") {
		s = forceDirectDownload(s)
	}

	if strings.Contains(s, "cloudinary.com") {
		s = rewriteStreamSegmentPath(s)
	}

	return s
}

// forceDirectDownload rewrites a Dropbox share link so the host serves raw
// bytes: any dl=0/dl=1 toggles and stale raw flags are dropped before the
// raw=1 flag is set, keeping all other query parameters.
func forceDirectDownload(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		// Unparseable input: fall back to a plain flag append.
		if i := strings.IndexByte(s, '?'); i >= 0 {
			return s[:i] + "?raw=1"
		}
		return s + "?raw=1"
	}

	q := u.Query()
	q.Del("dl")
	q.Del("raw")
	q.Set("raw", "1")
	u.RawQuery = q.Encode()
	return u.String()
}

// rewriteStreamSegmentPath fixes Cloudinary URLs that point at adaptive
// streaming artifacts: trailing _hls/_nssgnx name suffixes are stripped and
// a transport-stream extension becomes .mp4. Only the path is touched; the
// query string is reattached verbatim.
func rewriteStreamSegmentPath(s string) string {
	path, query, hasQuery := strings.Cut(s, "?")

	if ext := strings.ToLower(path); strings.HasSuffix(ext, ".ts") {
		path = trimStreamSuffix(path[:len(path)-3]) + ".mp4"
	} else {
		path = trimStreamSuffix(path)
	}

	if hasQuery {
		return path + "?" + query
	}
	return path
}

func trimStreamSuffix(s string) string {
	for _, suffix := range []string{"_hls", "_nssgnx"} {
		s = strings.TrimSuffix(s, suffix)
	}
	return s
}

// Classify decides which playback strategy a normalized source requires.
// It is total and deterministic with fixed precedence: YouTube, then
// Drive, then direct media, then unknown.
func Classify(normalized string) Classification {
	if m := youtubeRe.FindStringSubmatch(normalized); m != nil {
		return Classification{Kind: KindYouTube, VideoID: m[1]}
	}

	if m := driveRe.FindStringSubmatch(normalized); m != nil {
		return Classification{Kind: KindDrive, FileID: m[1]}
	}

	if isDirectMedia(normalized) {
		return Classification{Kind: KindDirect}
	}

	return Classification{Kind: KindUnknown}
}

func isDirectMedia(s string) bool {
	path := s
	if i := strings.IndexByte(path, '#'); i >= 0 {
		path = path[:i]
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.ToLower(path)

	for _, ext := range directExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}

	if strings.Contains(s, "raw=1") {
		return true
	}

	for _, marker := range directHostMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}

	return false
}

const defaultThumbnailURL = "https://images.unsplash.com/photo-1516321318423-f06f85e504b3?q=80&w=400&auto=format&fit=crop"

// EmbedURL returns the address a player or embed frame should load for a
// classified source. The second return is false for unknown sources, which
// render as a "verify this link" state instead of a player.
func EmbedURL(c Classification, normalized string) (string, bool) {
	switch c.Kind {
	case KindYouTube:
		return "https://www.youtube-nocookie.com/embed/" + c.VideoID + "?rel=0&modestbranding=1", true
	case KindDrive:
		return "https://drive.google.com/videopreview?id=" + c.FileID, true
	case KindDirect:
		return normalized, true
	default:
		return "", false
	}
}

// ThumbnailURL derives a lesson thumbnail for a classified source. YouTube
// sources get the platform's highest-resolution still; everything else
// falls back to the stock thumbnail.
func ThumbnailURL(c Classification) string {
	if c.Kind == KindYouTube {
		return "https://img.youtube.com/vi/" + c.VideoID + "/maxresdefault.jpg"
	}
	return defaultThumbnailURL
}
