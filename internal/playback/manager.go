package playback

import (
	"context"
	"sync"

	"github.com/edsy/edsy/internal/source"
)

// Session is the ephemeral state of one lesson being played. It is owned
// by the viewer's active screen: starting another lesson replaces it and
// cancels its in-flight duration probe.
type Session struct {
	LessonID string
	Source   string
	Class    source.Classification
	Gate     *Gate

	mu          sync.Mutex
	duration    string
	cancelProbe context.CancelFunc
}

// Duration returns the probed duration, or empty until the probe resolves.
func (s *Session) Duration() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *Session) setDuration(d string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duration = d
}

func (s *Session) stop() {
	s.mu.Lock()
	cancel := s.cancelProbe
	s.cancelProbe = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Manager keeps at most one active session per viewer.
type Manager struct {
	mu       sync.Mutex
	prober   *source.Prober
	sessions map[string]*Session
}

func NewManager(prober *source.Prober) *Manager {
	return &Manager{
		prober:   prober,
		sessions: make(map[string]*Session),
	}
}

// Start resolves the lesson source, opens a new session for the viewer and
// discards any previous one. For direct media it kicks off an asynchronous
// duration probe whose result is applied only while this session is still
// the viewer's active one.
func (m *Manager) Start(userID, lessonID, rawURL string, ent Entitlement) *Session {
	normalized := source.Normalize(rawURL)
	class := source.Classify(normalized)

	s := &Session{
		LessonID: lessonID,
		Source:   normalized,
		Class:    class,
		Gate:     NewGate(class, ent),
	}
	s.Gate.Play()

	m.mu.Lock()
	if prev, ok := m.sessions[userID]; ok {
		prev.stop()
	}
	m.sessions[userID] = s
	m.mu.Unlock()

	if class.Kind == source.KindDirect {
		probeCtx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.cancelProbe = cancel
		s.mu.Unlock()

		go func() {
			d := m.prober.Duration(probeCtx, normalized)
			if probeCtx.Err() != nil {
				// The session was replaced mid-probe; the stale result
				// must never reach the newer session.
				return
			}
			m.mu.Lock()
			current := m.sessions[userID] == s
			m.mu.Unlock()
			if current {
				s.setDuration(d)
			}
		}()
	}

	return s
}

// Active returns the viewer's current session.
func (m *Manager) Active(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// Stop drops the viewer's session, cancelling any in-flight probe. Called
// when the viewer navigates away.
func (m *Manager) Stop(userID string) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if ok {
		s.stop()
	}
}

// ObserveTime forwards a playback-time-update event to the viewer's gate.
func (m *Manager) ObserveTime(userID string, position float64) (Directive, bool) {
	s, ok := m.Active(userID)
	if !ok {
		return Directive{}, false
	}
	return s.Gate.ObserveTime(position), true
}

// Unlock releases the viewer's gate after a successful purchase.
func (m *Manager) Unlock(userID string, persist func() error) (persistFailed, found bool) {
	s, ok := m.Active(userID)
	if !ok {
		// No live session (e.g. webhook raced a navigation): persist the
		// entitlement anyway so the next session starts unlocked.
		if persist != nil && persist() != nil {
			return true, false
		}
		return false, false
	}
	return s.Gate.Unlock(persist), true
}
