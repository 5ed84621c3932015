// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit provides per-client, per-category sliding-window
// admission control.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow is the trailing window every limiter uses unless told
// otherwise.
const DefaultWindow = 60 * time.Second

// Limiter admits or denies one request for a (client, category) pair.
type Limiter interface {
	// IsAllowed records the request and returns true when fewer than limit
	// requests were admitted in the trailing window; otherwise it returns
	// false without recording.
	IsAllowed(ctx context.Context, clientKey, category string, limit int) bool
	// Remaining reports how many more requests would be admitted now.
	Remaining(ctx context.Context, clientKey, category string, limit int) int
}

type windowKey struct {
	client   string
	category string
}

// slidingWindow is the timestamp list for one key, guarded by its own lock.
type slidingWindow struct {
	mu     sync.Mutex
	stamps []time.Time
	// dead is set once the window has been removed from the map; holders
	// must look the key up again.
	dead bool
}

// prune drops timestamps that are window or more in the past.
func (w *slidingWindow) prune(now time.Time, window time.Duration) {
	keep := 0
	for _, ts := range w.stamps {
		if now.Sub(ts) < window {
			w.stamps[keep] = ts
			keep++
		}
	}
	w.stamps = w.stamps[:keep]
}

// MemoryLimiter keeps windows in process memory. Each (client, category)
// pair has its own mutex; there is no lock across keys.
type MemoryLimiter struct {
	windows sync.Map // windowKey -> *slidingWindow
	window  time.Duration
	now     func() time.Time
}

// NewMemoryLimiter creates a limiter with the given window (DefaultWindow if
// zero).
func NewMemoryLimiter(window time.Duration) *MemoryLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryLimiter{window: window, now: time.Now}
}

// SetClock replaces the time source, for tests.
func (m *MemoryLimiter) SetClock(now func() time.Time) {
	m.now = now
}

// lockWindow returns the live window for the key with its mutex held.
func (m *MemoryLimiter) lockWindow(key windowKey) *slidingWindow {
	for {
		v, ok := m.windows.Load(key)
		if !ok {
			v, _ = m.windows.LoadOrStore(key, &slidingWindow{})
		}
		w := v.(*slidingWindow)
		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}

// unlockWindow releases the window, dropping it from the map when nothing
// is left in it so idle clients do not accumulate.
func (m *MemoryLimiter) unlockWindow(key windowKey, w *slidingWindow) {
	if len(w.stamps) == 0 {
		w.dead = true
		m.windows.CompareAndDelete(key, w)
	}
	w.mu.Unlock()
}

func (m *MemoryLimiter) IsAllowed(_ context.Context, clientKey, category string, limit int) bool {
	key := windowKey{client: clientKey, category: category}
	w := m.lockWindow(key)
	defer m.unlockWindow(key, w)

	now := m.now()
	w.prune(now, m.window)
	if len(w.stamps) >= limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

func (m *MemoryLimiter) Remaining(_ context.Context, clientKey, category string, limit int) int {
	key := windowKey{client: clientKey, category: category}
	w := m.lockWindow(key)
	defer m.unlockWindow(key, w)

	w.prune(m.now(), m.window)
	if r := limit - len(w.stamps); r > 0 {
		return r
	}
	return 0
}

// RetryAfter is how long until the oldest admitted request leaves the
// window, or zero if the window is empty.
func (m *MemoryLimiter) RetryAfter(clientKey, category string) time.Duration {
	key := windowKey{client: clientKey, category: category}
	w := m.lockWindow(key)
	defer m.unlockWindow(key, w)

	now := m.now()
	w.prune(now, m.window)
	if len(w.stamps) == 0 {
		return 0
	}
	return m.window - now.Sub(w.stamps[0])
}

// trackedKeys counts the windows currently held in memory.
func (m *MemoryLimiter) trackedKeys() int {
	n := 0
	m.windows.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
