package source

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	// FallbackDuration is shown whenever a probe errors or times out.
	FallbackDuration = "10:00"

	probeTimeout = 3 * time.Second
)

// MetadataLoader reads the duration of the media resource at url without
// fetching the full payload.
type MetadataLoader func(ctx context.Context, url string) (time.Duration, error)

// Prober determines a human-readable duration for a direct media source.
// Every probe races the metadata load against its own deadline and resolves
// to FallbackDuration on error or timeout, so callers are never blocked
// indefinitely and never see an error.
type Prober struct {
	loader  MetadataLoader
	timeout time.Duration
}

func NewProber() *Prober {
	return &Prober{loader: ffprobeLoader, timeout: probeTimeout}
}

// NewProberWithLoader is used by tests to substitute the metadata loader.
func NewProberWithLoader(loader MetadataLoader, timeout time.Duration) *Prober {
	return &Prober{loader: loader, timeout: timeout}
}

// Duration resolves the first of three outcomes: metadata loaded, load
// failed, or the deadline elapsed.
func (p *Prober) Duration(ctx context.Context, url string) string {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type outcome struct {
		d   time.Duration
		err error
	}

	ch := make(chan outcome, 1)
	go func() {
		d, err := p.loader(ctx, url)
		ch <- outcome{d: d, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil || o.d <= 0 {
			return FallbackDuration
		}
		return FormatClock(o.d)
	case <-ctx.Done():
		return FallbackDuration
	}
}

// FormatClock renders a duration as minutes:seconds with zero-padded
// seconds, e.g. 754s -> "12:34".
func FormatClock(d time.Duration) string {
	total := int(d.Seconds())
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

func ffprobeLoader(ctx context.Context, url string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		url,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration: %w", err)
	}

	return time.Duration(seconds * float64(time.Second)), nil
}
