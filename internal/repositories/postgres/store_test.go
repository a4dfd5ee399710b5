package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/repositories"
	"github.com/qrshop/api/internal/repositories/repotest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := strings.TrimSpace(os.Getenv("API_TEST_POSTGRES_URL"))
	if url == "" {
		t.Skip("API_TEST_POSTGRES_URL not set; skipping postgres integration tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := New(ctx, url)
	require.NoError(t, err)
	_, err = store.db.ExecContext(ctx, `TRUNCATE invoices, orders, checkouts, products, coupons, counters`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func TestStoreConformance(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repositories.Registry {
		return openTestStore(t)
	})
}

func TestCatalogAndCoupons(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertProduct(ctx, domain.Product{Ref: "prod-a", Name: "Linen shirt", UnitPrice: 100, Active: true}))
	products, err := store.Catalog().Snapshot(ctx, []string{"prod-a", "prod-missing", " "})
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, int64(100), products["prod-a"].UnitPrice)

	require.NoError(t, store.UpsertCoupon(ctx, domain.CouponRule{Ref: "cpn-1", Code: "welcome10", DiscountAmount: 10, MinItemsPrice: 100, Active: true}))
	coupon, err := store.Coupons().Resolve(ctx, " Welcome10 ", 250)
	require.NoError(t, err)
	require.Equal(t, int64(10), coupon.DiscountAmount)

	_, err = store.Coupons().Resolve(ctx, "WELCOME10", 50)
	var storeErr *repositories.StoreError
	require.ErrorAs(t, err, &storeErr)
	require.True(t, storeErr.IsInvalid())

	_, err = store.Coupons().Resolve(ctx, "NOPE", 250)
	require.True(t, repositories.IsNotFound(err))
}
