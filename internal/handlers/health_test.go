package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/services"
)

func TestHealthHandlersHealthz(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(30 * time.Second)
	handlers := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{
			Version:     "1.0.0",
			CommitSHA:   "abc123",
			Environment: "prod",
			StartedAt:   start,
		}),
		WithHealthClock(func() time.Time { return now }),
	)

	rr := httptest.NewRecorder()
	handlers.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["status"] != domain.HealthStatusOK || body["version"] != "1.0.0" || body["commitSha"] != "abc123" {
		t.Fatalf("unexpected payload %v", body)
	}
	if body["uptime"] != "30s" {
		t.Fatalf("expected uptime 30s, got %v", body["uptime"])
	}
}

func TestHealthHandlersReadyz(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)

	t.Run("ok", func(t *testing.T) {
		svc := &stubSystemService{report: services.SystemHealthReport{
			Status: domain.HealthStatusOK,
			Checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK, Latency: 10 * time.Millisecond, CheckedAt: now},
			},
		}}
		handlers := NewHealthHandlers(WithHealthSystemService(svc), WithHealthClock(func() time.Time { return now }))

		rr := httptest.NewRecorder()
		handlers.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var body struct {
			Status string `json:"status"`
			Checks map[string]struct {
				Status    string  `json:"status"`
				LatencyMS float64 `json:"latencyMs"`
			} `json:"checks"`
			Details []string `json:"details"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if body.Status != domain.HealthStatusOK || len(body.Details) != 0 {
			t.Fatalf("unexpected body %+v", body)
		}
		if body.Checks["firestore"].LatencyMS != 10 {
			t.Fatalf("expected 10ms latency, got %v", body.Checks["firestore"].LatencyMS)
		}
	})

	t.Run("degraded", func(t *testing.T) {
		svc := &stubSystemService{report: services.SystemHealthReport{
			Status: domain.HealthStatusDegraded,
			Checks: map[string]domain.SystemHealthCheck{
				"redis":     {Status: domain.HealthStatusDegraded, Error: "dial tcp: refused"},
				"firestore": {Status: domain.HealthStatusOK},
			},
		}}
		handlers := NewHealthHandlers(WithHealthSystemService(svc), WithHealthClock(func() time.Time { return now }))

		rr := httptest.NewRecorder()
		handlers.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d", rr.Code)
		}
		var body struct {
			Status  string   `json:"status"`
			Details []string `json:"details"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if body.Status != domain.HealthStatusDegraded || len(body.Details) != 1 || body.Details[0] != "redis: dial tcp: refused" {
			t.Fatalf("unexpected body %+v", body)
		}
	})
}
