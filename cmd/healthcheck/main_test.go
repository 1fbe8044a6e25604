package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func readyServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeReadyAcceptsReadyService(t *testing.T) {
	srv := readyServer(t, http.StatusOK,
		`{"status":"ready","checks":{"database":{"name":"database","healthy":true}}}`)

	if err := probeReady(srv.Client(), srv.URL); err != nil {
		t.Fatalf("probe: %v", err)
	}
}

func TestProbeReadyReportsFailingChecks(t *testing.T) {
	srv := readyServer(t, http.StatusServiceUnavailable,
		`{"status":"not-ready","checks":{"database":{"name":"database","healthy":false,"error":"database not initialized"}}}`)

	err := probeReady(srv.Client(), srv.URL)
	if err == nil {
		t.Fatal("expected error for not-ready service")
	}
	if !strings.Contains(err.Error(), "not-ready") || !strings.Contains(err.Error(), "database not initialized") {
		t.Errorf("error should name the failing check: %v", err)
	}
}

func TestProbeReadyRejectsNonJSONFailure(t *testing.T) {
	srv := readyServer(t, http.StatusBadGateway, "upstream down")

	err := probeReady(srv.Client(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("error should carry the status code: %v", err)
	}
}

func TestProbeReadyRejectsUnreachableService(t *testing.T) {
	client := &http.Client{Timeout: 500 * time.Millisecond}
	if err := probeReady(client, "http://127.0.0.1:1/readyz"); err == nil {
		t.Error("expected error for unreachable service")
	}
}

func TestResolveReadyURL(t *testing.T) {
	t.Setenv(envReadyURL, "")
	if got := resolveReadyURL(); got != defaultReadyURL {
		t.Errorf("default URL = %q", got)
	}
	t.Setenv(envReadyURL, " http://10.0.0.2:9090/readyz ")
	if got := resolveReadyURL(); got != "http://10.0.0.2:9090/readyz" {
		t.Errorf("env URL = %q, want trimmed override", got)
	}
}
