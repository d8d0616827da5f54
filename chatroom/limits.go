package chatroom

import (
	"sync"
	"time"
)

const (
	defaultChatRateWindow  = 10 * time.Second
	defaultChatRateMax     = 40
	defaultMaxMessageBytes = 4000
)

// Limiter is a sliding-window counter keyed by client.
type Limiter struct {
	window time.Duration
	max    int

	mu     sync.Mutex
	events map[string][]time.Time
}

func NewLimiter(window time.Duration, max int) *Limiter {
	if window <= 0 {
		window = defaultChatRateWindow
	}
	if max <= 0 {
		max = defaultChatRateMax
	}
	return &Limiter{window: window, max: max, events: make(map[string][]time.Time)}
}

func (l *Limiter) Allow(key string, now time.Time) bool {
	if key == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := now.Add(-l.window)
	events := l.events[key]
	trimmed := events[:0]
	for _, ts := range events {
		if ts.After(windowStart) {
			trimmed = append(trimmed, ts)
		}
	}
	if len(trimmed) >= l.max {
		l.events[key] = append([]time.Time(nil), trimmed...)
		return false
	}
	trimmed = append(trimmed, now)
	l.events[key] = append([]time.Time(nil), trimmed...)
	return true
}

func (l *Limiter) Clear(key string) {
	l.mu.Lock()
	delete(l.events, key)
	l.mu.Unlock()
}
