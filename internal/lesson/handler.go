// Package lesson implements the course catalog, lesson publishing, watch
// crediting, and the playback session endpoints.
package lesson

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/edsy/edsy/internal/database"
	"github.com/edsy/edsy/internal/geoip"
	"github.com/edsy/edsy/internal/playback"
	"github.com/edsy/edsy/internal/profile"
	"github.com/edsy/edsy/internal/source"
)

type ObjectStorage interface {
	GenerateUploadURL(ctx context.Context, key string, contentType string, contentLength int64, expiry time.Duration) (string, error)
	GenerateDownloadURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	DeleteObject(ctx context.Context, key string) error
	HeadObject(ctx context.Context, key string) (int64, string, error)
}

type Handler struct {
	db             database.DBTX
	storage        ObjectStorage
	profiles       *profile.Handler
	sessions       *playback.Manager
	prober         *source.Prober
	geoResolver    *geoip.Resolver
	maxUploadBytes int64
}

func NewHandler(db database.DBTX, s ObjectStorage, profiles *profile.Handler, sessions *playback.Manager, prober *source.Prober, maxUploadBytes int64) *Handler {
	return &Handler{
		db:             db,
		storage:        s,
		profiles:       profiles,
		sessions:       sessions,
		prober:         prober,
		maxUploadBytes: maxUploadBytes,
	}
}

func (h *Handler) SetGeoResolver(r *geoip.Resolver) {
	h.geoResolver = r
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first, _, ok := strings.Cut(forwarded, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(forwarded)
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func deleteWithRetry(ctx context.Context, storage ObjectStorage, key string, maxAttempts int) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		lastErr = storage.DeleteObject(ctx, key)
		if lastErr == nil {
			return nil
		}
		slog.Error("storage: delete attempt failed", "attempt", attempt+1, "max_attempts", maxAttempts, "key", key, "error", lastErr)
	}
	return fmt.Errorf("all %d delete attempts failed for %s: %w", maxAttempts, key, lastErr)
}
