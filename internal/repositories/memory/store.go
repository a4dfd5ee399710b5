// Package memory provides an in-process repository registry. Aggregate writes are serialised per
// checkout or order id with keyed mutexes; there is no store-wide write lock.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/repositories"
)

// Store is a repositories.Registry kept entirely in memory.
type Store struct {
	mu               sync.RWMutex
	checkouts        map[string]domain.Checkout
	orders           map[string]domain.Order
	ordersByCheckout map[string]string
	invoices         map[string]domain.Invoice
	invoicesByOrder  map[string]string
	products         map[string]domain.Product
	coupons          map[string]domain.CouponRule
	counters         map[string]int64

	checkoutLocks keyedMutex
	orderLocks    keyedMutex
}

var _ repositories.Registry = (*Store)(nil)

// Option seeds or customises the store.
type Option func(*Store)

// WithProducts seeds the product catalog.
func WithProducts(products ...domain.Product) Option {
	return func(s *Store) {
		for _, p := range products {
			ref := strings.TrimSpace(p.Ref)
			if ref == "" {
				continue
			}
			p.Ref = ref
			s.products[ref] = p
		}
	}
}

// WithCoupons seeds coupon rules keyed by their normalised code.
func WithCoupons(rules ...domain.CouponRule) Option {
	return func(s *Store) {
		for _, rule := range rules {
			code := strings.ToUpper(strings.TrimSpace(rule.Code))
			if code == "" {
				continue
			}
			rule.Code = code
			s.coupons[code] = rule
		}
	}
}

// New constructs an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		checkouts:        make(map[string]domain.Checkout),
		orders:           make(map[string]domain.Order),
		ordersByCheckout: make(map[string]string),
		invoices:         make(map[string]domain.Invoice),
		invoicesByOrder:  make(map[string]string),
		products:         make(map[string]domain.Product),
		coupons:          make(map[string]domain.CouponRule),
		counters:         make(map[string]int64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

type seedFile struct {
	Products []struct {
		Ref       string `json:"ref"`
		Name      string `json:"name"`
		Image     string `json:"image"`
		UnitPrice int64  `json:"unitPrice"`
		Active    *bool  `json:"active"`
	} `json:"products"`
	Coupons []struct {
		Ref            string `json:"ref"`
		Code           string `json:"code"`
		DiscountAmount int64  `json:"discountAmount"`
		MinItemsPrice  int64  `json:"minItemsPrice"`
		Active         *bool  `json:"active"`
	} `json:"coupons"`
}

// LoadSeed reads catalog and coupon fixtures from a JSON file.
func LoadSeed(path string) ([]Option, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("memory: read seed %s: %w", path, err)
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("memory: decode seed %s: %w", path, err)
	}
	products := make([]domain.Product, 0, len(seed.Products))
	for _, p := range seed.Products {
		products = append(products, domain.Product{
			Ref:       p.Ref,
			Name:      p.Name,
			Image:     p.Image,
			UnitPrice: p.UnitPrice,
			Active:    p.Active == nil || *p.Active,
		})
	}
	coupons := make([]domain.CouponRule, 0, len(seed.Coupons))
	for _, c := range seed.Coupons {
		coupons = append(coupons, domain.CouponRule{
			Ref:            c.Ref,
			Code:           c.Code,
			DiscountAmount: c.DiscountAmount,
			MinItemsPrice:  c.MinItemsPrice,
			Active:         c.Active == nil || *c.Active,
		})
	}
	return []Option{WithProducts(products...), WithCoupons(coupons...)}, nil
}

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) Checkouts() repositories.CheckoutRepository { return checkoutRepository{s} }
func (s *Store) Orders() repositories.OrderRepository       { return orderRepository{s} }
func (s *Store) Invoices() repositories.InvoiceRepository   { return invoiceRepository{s} }
func (s *Store) Catalog() repositories.ProductCatalog       { return catalog{s} }
func (s *Store) Coupons() repositories.CouponResolver       { return coupons{s} }
func (s *Store) Counters() repositories.CounterRepository   { return counters{s} }

// HealthChecks reports a single always-ready check.
func (s *Store) HealthChecks() []repositories.DependencyCheck {
	return []repositories.DependencyCheck{{
		Name:  "store",
		Check: func(ctx context.Context) error { return ctx.Err() },
	}}
}

// keyedMutex hands out one mutex per key and drops it once no goroutine holds or waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
