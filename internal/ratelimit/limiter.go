// Package ratelimit implements fixed-window per-user admission control for
// the ingress dispatcher.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peerbot/peerbot/internal/common/logger"
)

const cleanupInterval = 5 * time.Minute

// Config holds rate limiter parameters.
type Config struct {
	MaxJobs int           // admitted requests per window
	Window  time.Duration // fixed window length
}

// DefaultConfig returns the default limiter parameters.
func DefaultConfig() Config {
	return Config{
		MaxJobs: 5,
		Window:  15 * time.Minute,
	}
}

type window struct {
	start time.Time
	count int
}

// Limiter is a fixed-window counter per user. State is local to the process;
// races across dispatcher replicas are tolerated (best-effort admission).
type Limiter struct {
	cfg     Config
	windows map[string]*window
	mu      sync.Mutex
	logger  *logger.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLimiter creates a limiter and starts the background eviction task.
func NewLimiter(cfg Config, log *logger.Logger) *Limiter {
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = DefaultConfig().MaxJobs
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	l := &Limiter{
		cfg:     cfg,
		windows: make(map[string]*window),
		logger:  log.WithFields(zap.String("component", "rate-limiter")),
		stopCh:  make(chan struct{}),
	}

	l.wg.Add(1)
	go l.cleanupLoop()

	return l
}

// Admit atomically admits or rejects one request for the user. An empty
// userID falls into the shared anonymous bucket so unauthenticated events
// cannot bypass the limit.
func (l *Limiter) Admit(userID string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[userID]
	if !ok || now.Sub(w.start) >= l.cfg.Window {
		l.windows[userID] = &window{start: now, count: 1}
		return true
	}

	if w.count >= l.cfg.MaxJobs {
		l.logger.Debug("request rejected",
			zap.String("user_id", userID),
			zap.Int("count", w.count),
			zap.Int("max_jobs", l.cfg.MaxJobs))
		return false
	}

	w.count++
	return true
}

// Count returns the current window count for a user.
func (l *Limiter) Count(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[userID]
	if !ok || time.Since(w.start) >= l.cfg.Window {
		return 0
	}
	return w.count
}

// Stop terminates the background eviction task.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
}

// cleanupLoop evicts entries whose window has expired.
func (l *Limiter) cleanupLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.evictExpired()
		}
	}
}

func (l *Limiter) evictExpired() {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for userID, w := range l.windows {
		if now.Sub(w.start) >= l.cfg.Window {
			delete(l.windows, userID)
			evicted++
		}
	}

	if evicted > 0 {
		l.logger.Debug("evicted expired windows", zap.Int("count", evicted))
	}
}
