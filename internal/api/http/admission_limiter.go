package http

import (
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// AdmissionLimiter is a per-client token bucket for POST /ingest with idle
// entries cleaned up periodically.
type AdmissionLimiter struct {
	mu           sync.Mutex
	entries      map[string]*limiterEntry
	rps          rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
	lastCleanup  time.Time
	clock        clockwork.Clock
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewAdmissionLimiter allows rps submissions per second per client with the
// given burst, measured on clock.
func NewAdmissionLimiter(clock clockwork.Clock, rps float64, burst int) *AdmissionLimiter {
	return &AdmissionLimiter{
		entries:      make(map[string]*limiterEntry),
		rps:          rate.Limit(rps),
		burst:        burst,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		clock:        clock,
	}
}

// Allow reports whether key may submit now, and otherwise how long to wait.
func (l *AdmissionLimiter) Allow(key string) (bool, time.Duration) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) >= l.cleanupEvery {
		l.cleanupLocked(now)
	}

	ent, ok := l.entries[key]
	if !ok {
		ent = &limiterEntry{lim: rate.NewLimiter(l.rps, l.burst)}
		l.entries[key] = ent
	}
	ent.lastSeen = now

	if ent.lim.AllowN(now, 1) {
		return true, 0
	}

	retryAfter := time.Second
	if l.rps > 0 {
		retryAfter = time.Duration(math.Ceil(1/float64(l.rps))) * time.Second
	}
	return false, retryAfter
}

// Len is the number of clients currently tracked.
func (l *AdmissionLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *AdmissionLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for k, ent := range l.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
	l.lastCleanup = now
}

// clientKey identifies the caller by the first X-Forwarded-For hop or the
// remote address.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
