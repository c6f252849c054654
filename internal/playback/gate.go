// Package playback enforces the preview paywall on direct-media lessons
// and tracks the single active playback session per viewer.
package playback

import (
	"errors"
	"sync"

	"github.com/edsy/edsy/internal/plans"
	"github.com/edsy/edsy/internal/source"
)

// Entitlement carries the viewer's privilege flags. It is read-only here;
// writes happen in the profile store and are observed, not performed, by
// this package.
type Entitlement struct {
	IsAdmin bool `json:"isAdmin"`
	IsPro   bool `json:"isPro"`
}

func (e Entitlement) BypassesGate() bool {
	return e.IsAdmin || e.IsPro
}

// State is the gate's position in its Idle -> Playing -> PreviewExpired
// machine. PreviewExpired returns to Playing only through an unlock.
type State int

const (
	StateIdle State = iota
	StatePlaying
	StatePreviewExpired
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePreviewExpired:
		return "previewExpired"
	default:
		return "idle"
	}
}

// Directive tells the player what to do after a time update.
type Directive struct {
	ClampTo     *float64 `json:"clampTo,omitempty"`
	Pause       bool     `json:"pause"`
	ShowPaywall bool     `json:"showPaywall"`
}

var (
	ErrUpgradeInFlight = errors.New("an upgrade is already in progress")
	ErrNotGated        = errors.New("session is not gated")
)

// Gate is the watch-time guard for one playback session. It only engages
// for direct media viewed without admin or pro entitlement; for everyone
// else every observation is a no-op.
type Gate struct {
	mu             sync.Mutex
	limit          float64
	gated          bool
	state          State
	unlocked       bool
	upgradePending bool
	paywallShown   bool
	persistWarning bool
}

func NewGate(class source.Classification, ent Entitlement) *Gate {
	return &Gate{
		limit: float64(plans.Free.PreviewSeconds),
		gated: class.Kind == source.KindDirect && !ent.BypassesGate(),
	}
}

// Play transitions Idle to Playing on an explicit play request.
func (g *Gate) Play() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateIdle {
		g.state = StatePlaying
	}
}

// ObserveTime processes one playback-time-update event. Once the preview
// ceiling is reached the gate expires and every later event keeps clamping
// the position to exactly the ceiling, so seeking or resuming through
// player controls cannot drift past it.
func (g *Gate) ObserveTime(position float64) Directive {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.gated || g.unlocked || g.state == StateIdle {
		return Directive{}
	}

	if g.state == StatePreviewExpired || position >= g.limit {
		g.state = StatePreviewExpired
		g.paywallShown = true
		clamp := g.limit
		return Directive{ClampTo: &clamp, Pause: true, ShowPaywall: true}
	}

	return Directive{}
}

// Dismiss closes the upsell prompt. Playback stays paused and the gate
// stays expired.
func (g *Gate) Dismiss() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paywallShown = false
}

// BeginUpgrade marks a purchase attempt as in flight. Purchases are
// single-flight per session.
func (g *Gate) BeginUpgrade() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.gated || g.unlocked {
		return ErrNotGated
	}
	if g.upgradePending {
		return ErrUpgradeInFlight
	}
	g.upgradePending = true
	return nil
}

// FailUpgrade clears the in-flight marker so the viewer can retry.
func (g *Gate) FailUpgrade() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upgradePending = false
}

// Unlock releases the gate after a successful purchase and then runs the
// entitlement persist callback. The unlock is optimistic: a persist failure
// leaves playback unlocked for the rest of the session and records a
// one-time warning instead.
func (g *Gate) Unlock(persist func() error) (persistFailed bool) {
	g.mu.Lock()
	g.unlocked = true
	g.upgradePending = false
	g.paywallShown = false
	if g.state == StatePreviewExpired {
		g.state = StatePlaying
	}
	g.mu.Unlock()

	if persist != nil {
		if err := persist(); err != nil {
			g.mu.Lock()
			g.persistWarning = true
			g.mu.Unlock()
			return true
		}
	}
	return false
}

// TakePersistWarning reports whether the post-purchase entitlement write
// failed, clearing the flag so the warning surfaces once.
func (g *Gate) TakePersistWarning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	warned := g.persistWarning
	g.persistWarning = false
	return warned
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) Gated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gated && !g.unlocked
}

func (g *Gate) PaywallVisible() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paywallShown
}

func (g *Gate) Unlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unlocked
}
