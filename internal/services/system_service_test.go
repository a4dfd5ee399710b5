package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/qrshop/api/internal/domain"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
}

func (s stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

func TestSystemServiceHealthReportFillsBuildInfo(t *testing.T) {
	started := testNow.Add(-time.Hour)
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: stubHealthRepository{report: domain.SystemHealthReport{
			Checks: map[string]domain.SystemHealthCheck{
				"store":  {Status: domain.HealthStatusOK},
				"ledger": {Status: domain.HealthStatusDegraded},
			},
		}},
		Clock: fixedClock,
		Build: BuildInfo{Version: "1.4.0", CommitSHA: "abc123", Environment: "staging", StartedAt: started},
	})
	if err != nil {
		t.Fatalf("new system service: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("health report: %v", err)
	}
	if report.Version != "1.4.0" || report.CommitSHA != "abc123" || report.Environment != "staging" {
		t.Fatalf("expected build info, got %+v", report)
	}
	if report.Uptime != time.Hour || !report.GeneratedAt.Equal(testNow) {
		t.Fatalf("unexpected timing uptime=%s generatedAt=%s", report.Uptime, report.GeneratedAt)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded status, got %s", report.Status)
	}
}

func TestSystemServiceHealthReportErrors(t *testing.T) {
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: stubHealthRepository{err: errors.New("boom")}})
	if err != nil {
		t.Fatalf("new system service: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); err == nil {
		t.Fatalf("expected collect error to surface")
	}
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatalf("expected error without health repository")
	}
}

func TestDeriveStatus(t *testing.T) {
	if got := deriveStatus(nil); got != domain.HealthStatusOK {
		t.Fatalf("expected ok for no checks, got %s", got)
	}
	checks := map[string]domain.SystemHealthCheck{
		"a": {Status: domain.HealthStatusDegraded},
		"b": {Status: domain.HealthStatusError},
	}
	if got := deriveStatus(checks); got != domain.HealthStatusError {
		t.Fatalf("expected error to win, got %s", got)
	}
}
