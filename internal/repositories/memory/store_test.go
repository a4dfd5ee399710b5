package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/repositories"
	"github.com/qrshop/api/internal/repositories/repotest"
)

func TestStoreConformance(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repositories.Registry {
		store := New()
		t.Cleanup(func() { _ = store.Close(context.Background()) })
		return store
	})
}

func TestCatalogSnapshotOmitsUnknownRefs(t *testing.T) {
	store := New(WithProducts(
		domain.Product{Ref: "prod-a", Name: "Linen shirt", UnitPrice: 100, Active: true},
		domain.Product{Ref: " ", Name: "ignored"},
	))

	products, err := store.Catalog().Snapshot(context.Background(), []string{"prod-a", "prod-missing"})
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, int64(100), products["prod-a"].UnitPrice)
}

func TestCouponResolve(t *testing.T) {
	store := New(WithCoupons(domain.CouponRule{Ref: "cpn-1", Code: "welcome10", DiscountAmount: 10, MinItemsPrice: 100, Active: true}))
	ctx := context.Background()

	coupon, err := store.Coupons().Resolve(ctx, "WELCOME10", 250)
	require.NoError(t, err)
	require.Equal(t, int64(10), coupon.DiscountAmount)
	require.Equal(t, "cpn-1", coupon.Ref)

	_, err = store.Coupons().Resolve(ctx, "WELCOME10", 50)
	require.Error(t, err)
	var storeErr *repositories.StoreError
	require.ErrorAs(t, err, &storeErr)
	require.True(t, storeErr.IsInvalid())

	_, err = store.Coupons().Resolve(ctx, "NOPE", 250)
	require.True(t, repositories.IsNotFound(err))
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	seed := `{
  "products": [
    {"ref": "prod-a", "name": "Linen shirt", "unitPrice": 100},
    {"ref": "prod-old", "name": "Retired", "unitPrice": 5, "active": false}
  ],
  "coupons": [
    {"ref": "cpn-1", "code": "welcome10", "discountAmount": 10}
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	opts, err := LoadSeed(path)
	require.NoError(t, err)
	store := New(opts...)

	products, err := store.Catalog().Snapshot(context.Background(), []string{"prod-a", "prod-old"})
	require.NoError(t, err)
	require.True(t, products["prod-a"].Active)
	require.False(t, products["prod-old"].Active)

	coupon, err := store.Coupons().Resolve(context.Background(), "Welcome10", 1)
	require.NoError(t, err)
	require.Equal(t, "WELCOME10", coupon.Code)

	_, err = LoadSeed(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	var locks keyedMutex
	unlock := locks.Lock("chk_1")
	require.Len(t, locks.locks, 1)
	unlock()
	require.Empty(t, locks.locks)
}
