package api

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	rl := newRateLimiter(5, 3, time.Minute)
	for i := 0; i < 5; i++ {
		if !rl.allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.allow("10.0.0.1") {
		t.Error("request over the window limit should be blocked")
	}
	// Other clients are unaffected.
	if !rl.allow("10.0.0.2") {
		t.Error("per-client limits must be independent")
	}
}

func TestRateLimiterAuthFailureBlocking(t *testing.T) {
	rl := newRateLimiter(100, 3, time.Minute)

	if rl.addAuthFailure("10.0.0.1") {
		t.Error("first failure must not block")
	}
	rl.addAuthFailure("10.0.0.1")
	if !rl.addAuthFailure("10.0.0.1") {
		t.Error("reaching the failure limit should block")
	}
	if rl.allow("10.0.0.1") {
		t.Error("blocked client must be refused")
	}
}

func TestRateLimiterClearResetsFailureCount(t *testing.T) {
	rl := newRateLimiter(100, 3, time.Minute)

	rl.addAuthFailure("10.0.0.1")
	rl.addAuthFailure("10.0.0.1")
	// A successful auth before the limit resets the counter.
	rl.clearAuthFailures("10.0.0.1")

	if rl.addAuthFailure("10.0.0.1") {
		t.Error("counter should have restarted from zero")
	}
	rl.addAuthFailure("10.0.0.1")
	if !rl.addAuthFailure("10.0.0.1") {
		t.Error("three failures after the reset should block")
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct{ in, want string }{
		{"192.0.2.1:1234", "192.0.2.1"},
		{"[::1]:8080", "::1"},
		{"not-an-addr", "not-an-addr"},
	}
	for _, tc := range cases {
		if got := clientIP(tc.in); got != tc.want {
			t.Errorf("clientIP(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
