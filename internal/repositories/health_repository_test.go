package repositories_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/payments"
	"github.com/qrshop/api/internal/platform/cache"
	"github.com/qrshop/api/internal/repositories"
	"github.com/qrshop/api/internal/repositories/memory"
)

func ledgerCheck(t *testing.T, status int) repositories.DependencyCheck {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"status":200,"transactions":[]}`))
	}))
	t.Cleanup(srv.Close)
	provider, err := payments.NewBankTransferProvider(payments.BankTransferConfig{
		LedgerBaseURL: srv.URL,
		BankCode:      "VCB",
		AccountNumber: "0123456789",
		AccountName:   "QR SHOP",
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return repositories.DependencyCheck{Name: "ledger", Check: provider.Ping}
}

// unreachableAddr returns a local address nothing listens on.
func unreachableAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func redisCheck(t *testing.T, addr string) repositories.DependencyCheck {
	t.Helper()
	client := cache.NewRedis(addr, "", 0)
	t.Cleanup(func() { _ = client.Close() })
	return repositories.DependencyCheck{Name: "redis", Check: client.Ping}
}

func TestDependencyHealthRepositoryCollectsRegisteredChecks(t *testing.T) {
	checks := append(memory.New().HealthChecks(), ledgerCheck(t, http.StatusOK))
	if addr := os.Getenv("API_TEST_REDIS_ADDR"); addr != "" {
		checks = append(checks, redisCheck(t, addr))
	}

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	repo, err := repositories.NewDependencyHealthRepository(checks,
		repositories.WithDependencyClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected status ok, got %s: %+v", report.Status, report.Checks)
	}
	if len(report.Checks) != len(checks) {
		t.Fatalf("expected %d checks, got %d", len(checks), len(report.Checks))
	}
	for _, name := range []string{"store", "ledger"} {
		check, ok := report.Checks[name]
		if !ok || check.Status != domain.HealthStatusOK {
			t.Fatalf("expected %s ok, got %+v", name, check)
		}
		if check.CheckedAt != now {
			t.Fatalf("expected %s checkedAt %s, got %s", name, now, check.CheckedAt)
		}
	}
	if report.GeneratedAt != now {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestDependencyHealthRepositoryDegradesOnFailingDependencies(t *testing.T) {
	checks := append(memory.New().HealthChecks(),
		ledgerCheck(t, http.StatusBadGateway),
		redisCheck(t, unreachableAddr(t)),
	)
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status == domain.HealthStatusOK {
		t.Fatalf("expected a failing report, got ok")
	}
	if got := report.Checks["store"].Status; got != domain.HealthStatusOK {
		t.Fatalf("expected store ok, got %s", got)
	}
	for _, name := range []string{"ledger", "redis"} {
		check := report.Checks[name]
		if check.Status == domain.HealthStatusOK || check.Error == "" {
			t.Fatalf("expected %s to fail with an error, got %+v", name, check)
		}
	}
}

func TestDependencyHealthRepositoryCollectTimeout(t *testing.T) {
	checks := []repositories.DependencyCheck{{
		Name:    "ledger",
		Timeout: 5 * time.Millisecond,
		Check: func(ctx context.Context) error {
			select {
			case <-time.After(200 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}}

	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}
	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected status error, got %s", report.Status)
	}
	if check := report.Checks["ledger"]; check.Detail != "timeout" {
		t.Fatalf("expected detail timeout, got %s", check.Detail)
	}
}

func TestNewDependencyHealthRepositoryRejectsInvalidChecks(t *testing.T) {
	if _, err := repositories.NewDependencyHealthRepository(nil); err == nil {
		t.Fatalf("expected error for empty check set")
	}
	if _, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{{Name: " "}}); err == nil {
		t.Fatalf("expected error for unnamed check")
	}
	store := memory.New().HealthChecks()
	if _, err := repositories.NewDependencyHealthRepository(append(store, store...)); err == nil {
		t.Fatalf("expected error for duplicate check names")
	}
}
