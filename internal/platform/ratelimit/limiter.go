// Package ratelimit implements fixed-window request limits keyed by caller or resource.
package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits at most limit hits per window for each key.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// Memory is a process-local fixed-window limiter.
type Memory struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
	sweeps  int
}

type window struct {
	count int
	reset time.Time
}

// NewMemory constructs an empty limiter.
func NewMemory() *Memory {
	return &Memory{windows: make(map[string]window), now: time.Now}
}

// Allow records a hit for key.
func (m *Memory) Allow(_ context.Context, key string, limit int, length time.Duration) (Decision, error) {
	if limit <= 0 || length <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	key = normaliseKey(key)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !now.Before(w.reset) {
		m.windows[key] = window{count: 1, reset: now.Add(length)}
		m.pruneLocked(now)
		return Decision{Allowed: true, Remaining: limit - 1}, nil
	}
	if w.count >= limit {
		return Decision{Allowed: false, RetryAfter: w.reset.Sub(now)}, nil
	}
	w.count++
	m.windows[key] = w
	return Decision{Allowed: true, Remaining: limit - w.count}, nil
}

// pruneLocked drops expired windows every 256 new windows.
func (m *Memory) pruneLocked(now time.Time) {
	m.sweeps++
	if m.sweeps%256 != 0 {
		return
	}
	for key, w := range m.windows {
		if !now.Before(w.reset) {
			delete(m.windows, key)
		}
	}
}

func normaliseKey(key string) string {
	if key = strings.TrimSpace(key); key == "" {
		return "anonymous"
	}
	return key
}

// RetryAfterHeader renders d as whole seconds, rounding up.
func RetryAfterHeader(d time.Duration) string {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
