package idempotency

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestRedisStoreLifecycle(t *testing.T) {
	addr := os.Getenv("API_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("API_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	store := NewRedisStore(client, "idem-test:"+time.Now().Format("150405.000000")+":")
	now := time.Now()

	outcome, _, err := store.Reserve(ctx, "k", "fp", now, time.Minute)
	if err != nil || outcome != OutcomeReserved {
		t.Fatalf("expected reservation, got %v (%v)", outcome, err)
	}
	if outcome, _, _ := store.Reserve(ctx, "k", "fp", now, time.Minute); outcome != OutcomeInFlight {
		t.Fatalf("expected in-flight, got %v", outcome)
	}
	if _, _, err := store.Reserve(ctx, "k", "other", now, time.Minute); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected fingerprint mismatch, got %v", err)
	}

	resp := Response{Status: http.StatusCreated, Header: http.Header{"Content-Type": {"application/json"}}, Body: []byte(`{"id":"chk-1"}`)}
	if err := store.Complete(ctx, "k", "fp", resp, now, time.Minute); err != nil {
		t.Fatalf("complete: %v", err)
	}
	outcome, entry, err := store.Reserve(ctx, "k", "fp", now, time.Minute)
	if err != nil || outcome != OutcomeReplay {
		t.Fatalf("expected replay, got %v (%v)", outcome, err)
	}
	if entry.Response.Status != http.StatusCreated || string(entry.Response.Body) != `{"id":"chk-1"}` {
		t.Fatalf("unexpected replayed response %+v", entry.Response)
	}

	if err := store.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if outcome, _, _ := store.Reserve(ctx, "k", "fp", now, time.Minute); outcome != OutcomeReserved {
		t.Fatalf("expected key to be free after release, got %v", outcome)
	}
}
