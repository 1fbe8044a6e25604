// Command healthcheck probes the controller's readiness endpoint and exits
// nonzero when the service is absent or reports not-ready. Intended as a
// container HEALTHCHECK, so it prints one line and carries no dependencies
// beyond the standard library.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultReadyURL = "http://127.0.0.1:8080/readyz"
	envReadyURL     = "CROSSLIGHT_HEALTHCHECK_URL"
)

func resolveReadyURL() string {
	if raw := strings.TrimSpace(os.Getenv(envReadyURL)); raw != "" {
		return raw
	}
	return defaultReadyURL
}

type readiness struct {
	Status string                     `json:"status"`
	Checks map[string]json.RawMessage `json:"checks"`
}

type checkResult struct {
	Healthy *bool  `json:"healthy"`
	Error   string `json:"error"`
}

// failedChecks names the checks that reported unhealthy, with their errors.
func failedChecks(checks map[string]json.RawMessage) []string {
	var failed []string
	for name, raw := range checks {
		var res checkResult
		if err := json.Unmarshal(raw, &res); err != nil {
			continue
		}
		if res.Healthy != nil && !*res.Healthy {
			if res.Error != "" {
				failed = append(failed, fmt.Sprintf("%s: %s", name, res.Error))
			} else {
				failed = append(failed, name)
			}
		}
	}
	return failed
}

func probeReady(client *http.Client, readyURL string) error {
	resp, err := client.Get(readyURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("reading readiness body: %w", err)
	}

	var ready readiness
	if err := json.Unmarshal(body, &ready); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("unexpected readiness status %d", resp.StatusCode)
		}
		return fmt.Errorf("unreadable readiness body: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && ready.Status == "ready" {
		return nil
	}
	if failed := failedChecks(ready.Checks); len(failed) > 0 {
		return fmt.Errorf("service %s (%s)", ready.Status, strings.Join(failed, "; "))
	}
	return fmt.Errorf("service %s (status %d)", ready.Status, resp.StatusCode)
}

func main() {
	client := &http.Client{Timeout: 2 * time.Second}
	readyURL := resolveReadyURL()
	if err := probeReady(client, readyURL); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			fmt.Printf("Healthcheck timed out: %s\n", readyURL)
		} else {
			fmt.Printf("Healthcheck failed (%s): %v\n", readyURL, err)
		}
		os.Exit(1)
	}
	os.Exit(0)
}
