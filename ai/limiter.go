package ai

import (
	"sync"
	"time"
)

// Limiter enforces a fixed-window per-viewer limit plus a session-wide cap on
// outbound AI calls. Windows reset lazily on the next Allow after expiry.
type Limiter struct {
	window     time.Duration
	perViewer  int
	perSession int

	mu          sync.Mutex
	windowStart time.Time
	viewers     map[string]int
	session     int

	now func() time.Time // stubbed in tests
}

// NewLimiter builds a Limiter. perSession <= 0 disables the session cap;
// perViewer <= 0 disables the per-viewer cap.
func NewLimiter(window time.Duration, perViewer, perSession int) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		window:     window,
		perViewer:  perViewer,
		perSession: perSession,
		viewers:    make(map[string]int),
		now:        time.Now,
	}
}

// Allow reports whether viewerID may make an AI call now, consuming one slot
// from both budgets when it may.
func (l *Limiter) Allow(viewerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.viewers = make(map[string]int)
	}
	if l.perViewer > 0 && l.viewers[viewerID] >= l.perViewer {
		return false
	}
	if l.perSession > 0 && l.session >= l.perSession {
		return false
	}
	l.viewers[viewerID]++
	l.session++
	return true
}

// SessionCount returns the total AI calls admitted this session.
func (l *Limiter) SessionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}
