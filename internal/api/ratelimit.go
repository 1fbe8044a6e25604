package api

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type limiterEntry struct {
	windowStart  time.Time
	requestCount int
	authFailures int
	blockedUntil time.Time
	lastSeen     time.Time
}

// rateLimiter tracks per-IP request and auth-failure counts over a one
// minute window. Too many failed auth attempts block the IP entirely for
// blockDuration.
type rateLimiter struct {
	mu            sync.Mutex
	requestLimit  int
	authFailLimit int
	blockDuration time.Duration
	maxEntries    int
	staleTTL      time.Duration
	entries       map[string]*limiterEntry
}

func newRateLimiter(requestLimit, authFailLimit int, blockDuration time.Duration) *rateLimiter {
	if requestLimit <= 0 {
		requestLimit = 120
	}
	if authFailLimit <= 0 {
		authFailLimit = 10
	}
	if blockDuration <= 0 {
		blockDuration = 10 * time.Minute
	}
	staleTTL := 30 * time.Minute
	if d := blockDuration * 3; d > staleTTL {
		staleTTL = d
	}
	return &rateLimiter{
		requestLimit:  requestLimit,
		authFailLimit: authFailLimit,
		blockDuration: blockDuration,
		maxEntries:    10_000,
		staleTTL:      staleTTL,
		entries:       make(map[string]*limiterEntry),
	}
}

func (r *rateLimiter) allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	e := r.getEntry(ip, now)
	if now.Before(e.blockedUntil) {
		return false
	}
	r.rollWindow(e, now)
	e.requestCount++
	return e.requestCount <= r.requestLimit
}

// addAuthFailure records one failed auth attempt and reports whether the
// IP just crossed into the blocked state.
func (r *rateLimiter) addAuthFailure(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	e := r.getEntry(ip, now)
	r.rollWindow(e, now)
	e.authFailures++
	if e.authFailures >= r.authFailLimit {
		e.blockedUntil = now.Add(r.blockDuration)
		return true
	}
	return false
}

func (r *rateLimiter) clearAuthFailures(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getEntry(ip, time.Now()).authFailures = 0
}

func (r *rateLimiter) rollWindow(e *limiterEntry, now time.Time) {
	if now.Sub(e.windowStart) >= time.Minute {
		e.windowStart = now
		e.requestCount = 0
		e.authFailures = 0
	}
}

func (r *rateLimiter) getEntry(ip string, now time.Time) *limiterEntry {
	if len(r.entries) >= r.maxEntries {
		r.pruneLocked(now)
	}
	e, ok := r.entries[ip]
	if !ok {
		e = &limiterEntry{windowStart: now, lastSeen: now}
		r.entries[ip] = e
		return e
	}
	e.lastSeen = now
	return e
}

// pruneLocked drops entries idle beyond the stale TTL, never evicting a
// currently blocked IP.
func (r *rateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.staleTTL)
	for ip, entry := range r.entries {
		if entry.lastSeen.Before(cutoff) && !now.Before(entry.blockedUntil) {
			delete(r.entries, ip)
		}
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil {
		return host
	}
	if strings.Count(remoteAddr, ":") == 1 {
		if _, pErr := strconv.Atoi(strings.Split(remoteAddr, ":")[1]); pErr == nil {
			return strings.Split(remoteAddr, ":")[0]
		}
	}
	return remoteAddr
}
