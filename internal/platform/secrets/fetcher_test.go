package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeAccessor struct {
	mu     sync.Mutex
	values map[string]string
	calls  map[string]int
}

func newFakeAccessor(values map[string]string) *fakeAccessor {
	return &fakeAccessor{values: values, calls: map[string]int{}}
}

func (f *fakeAccessor) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.GetName()]++
	value, ok := f.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "secret not found")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    req.GetName(),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}, nil
}

func (f *fakeAccessor) Close() error { return nil }

func (f *fakeAccessor) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func TestResolveCachesUntilTTL(t *testing.T) {
	ctx := context.Background()
	resource := "projects/qrshop-prod/secrets/ledger-api-key/versions/latest"
	client := newFakeAccessor(map[string]string{resource: "ledger-key"})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	fetcher, err := NewFetcher(ctx, withAccessor(client), WithProject("qrshop-prod"), WithCacheTTL(time.Minute), withClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, err := fetcher.ResolveSecret(ctx, "secret://ledger-api-key")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got != "ledger-key" {
			t.Fatalf("expected ledger-key, got %q", got)
		}
	}
	if calls := client.callCount(resource); calls != 1 {
		t.Fatalf("expected one remote call, got %d", calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := fetcher.Resolve(ctx, "secret://ledger-api-key"); err != nil {
		t.Fatalf("Resolve after ttl: %v", err)
	}
	if calls := client.callCount(resource); calls != 2 {
		t.Fatalf("expected refetch after ttl, got %d calls", calls)
	}
}

func TestResolveReferenceForms(t *testing.T) {
	client := newFakeAccessor(map[string]string{
		"projects/other/secrets/db-url/versions/3":                "postgres://pinned",
		"projects/qrshop-prod/secrets/redis-pass/versions/latest": "redis-pw",
	})
	fetcher, err := NewFetcher(context.Background(), withAccessor(client), WithProject("qrshop-prod"))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	cases := map[string]string{
		"secret://db-url?project=other&version=3":          "postgres://pinned",
		"secret://projects/qrshop-prod/secrets/redis-pass": "redis-pw",
	}
	for ref, want := range cases {
		got, err := fetcher.Resolve(context.Background(), ref)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", ref, err)
		}
		if got != want {
			t.Fatalf("Resolve(%s) = %q, want %q", ref, got, want)
		}
	}

	if _, err := fetcher.Resolve(context.Background(), "secret://missing"); err == nil {
		t.Fatalf("expected error for unknown secret")
	}
}

func TestResolveUsesFallbackFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".secrets.local")
	content := "# local development\nsecret://ledger-api-key=dev-key\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}

	fetcher, err := NewFetcher(context.Background(), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	got, err := fetcher.Resolve(context.Background(), "secret://ledger-api-key")
	if err != nil || got != "dev-key" {
		t.Fatalf("expected dev-key from fallback, got %q (%v)", got, err)
	}
	if _, err := fetcher.Resolve(context.Background(), "secret://unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	resource := "projects/p/secrets/s/versions/latest"
	client := newFakeAccessor(map[string]string{resource: "v1"})
	fetcher, err := NewFetcher(context.Background(), withAccessor(client), WithProject("p"))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	if _, err := fetcher.Resolve(context.Background(), "secret://s"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	client.mu.Lock()
	client.values[resource] = "v2"
	client.mu.Unlock()

	fetcher.Invalidate("secret://s")
	got, err := fetcher.Resolve(context.Background(), "secret://s")
	if err != nil || got != "v2" {
		t.Fatalf("expected rotated value v2, got %q (%v)", got, err)
	}
}
