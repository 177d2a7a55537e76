// Package ratelimit caps how often one client may perform an action.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter decides whether key may act at now. When it may not, retryAfter
// says how long until it can.
type Limiter interface {
	Allow(key string, now time.Time) (ok bool, retryAfter time.Duration)
}

// SlidingWindow accepts at most limit actions per key within any window.
// State is process-local.
type SlidingWindow struct {
	mu            sync.Mutex
	entries       map[string][]time.Time
	limit         int
	window        time.Duration
	opCount       int
	cleanupEveryN int
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 || window <= 0 {
		return nil
	}
	return &SlidingWindow{
		entries:       make(map[string][]time.Time),
		limit:         limit,
		window:        window,
		cleanupEveryN: 64,
	}
}

func (l *SlidingWindow) Allow(key string, now time.Time) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.maybeCleanupLocked(now)

	hits := prune(l.entries[key], now, l.window)
	if len(hits) >= l.limit {
		l.entries[key] = hits
		retry := hits[0].Add(l.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return false, retry
	}
	l.entries[key] = append(hits, now)
	return true, 0
}

// prune drops timestamps that fell out of the window ending at now.
func prune(hits []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(hits) && now.Sub(hits[i]) >= window {
		i++
	}
	return hits[i:]
}

func (l *SlidingWindow) maybeCleanupLocked(now time.Time) {
	l.opCount++
	if l.opCount%l.cleanupEveryN != 0 {
		return
	}
	for key, hits := range l.entries {
		if len(prune(hits, now, l.window)) == 0 {
			delete(l.entries, key)
		}
	}
}
