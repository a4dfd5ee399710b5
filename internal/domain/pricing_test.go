package domain

import (
	"errors"
	"testing"
)

func TestComputePricingScenario(t *testing.T) {
	items := []LineItem{
		{ProductRef: "prod-a", UnitPrice: 100, Quantity: 2},
		{ProductRef: "prod-b", UnitPrice: 50, Quantity: 1},
	}

	pricing, err := ComputePricing(items, 20, 0)
	if err != nil {
		t.Fatalf("compute pricing: %v", err)
	}
	if pricing.ItemsPrice != 250 {
		t.Fatalf("expected items price 250, got %d", pricing.ItemsPrice)
	}
	if pricing.TotalPrice != 270 {
		t.Fatalf("expected total 270, got %d", pricing.TotalPrice)
	}
}

func TestComputePricingInvariantHolds(t *testing.T) {
	cases := []struct {
		name     string
		items    []LineItem
		shipping int64
		discount int64
	}{
		{name: "empty", items: nil, shipping: 0, discount: 0},
		{name: "coupon", items: []LineItem{{UnitPrice: 1200, Quantity: 3}}, shipping: 300, discount: 500},
		{name: "discount exceeds gross", items: []LineItem{{UnitPrice: 10, Quantity: 1}}, shipping: 5, discount: 1000},
		{name: "many lines", items: []LineItem{{UnitPrice: 1, Quantity: 99}, {UnitPrice: 777, Quantity: 7}, {UnitPrice: 0, Quantity: 4}}, shipping: 30, discount: 31},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pricing, err := ComputePricing(tc.items, tc.shipping, tc.discount)
			if err != nil {
				t.Fatalf("compute pricing: %v", err)
			}
			if !pricing.Consistent() {
				t.Fatalf("pricing invariant violated: %+v", pricing)
			}
		})
	}
}

func TestComputePricingClampsDiscount(t *testing.T) {
	pricing, err := ComputePricing([]LineItem{{UnitPrice: 10, Quantity: 1}}, 5, 1000)
	if err != nil {
		t.Fatalf("compute pricing: %v", err)
	}
	if pricing.DiscountAmount != 15 || pricing.TotalPrice != 0 {
		t.Fatalf("expected discount clamped to 15 and total 0, got %+v", pricing)
	}
}

func TestComputePricingRejectsNegativeInput(t *testing.T) {
	if _, err := ComputePricing(nil, -1, 0); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount for shipping, got %v", err)
	}
	if _, err := ComputePricing(nil, 0, -5); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount for discount, got %v", err)
	}
	if _, err := ComputePricing([]LineItem{{UnitPrice: -1, Quantity: 1}}, 0, 0); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount for unit price, got %v", err)
	}
}

func TestShippingPolicyQuote(t *testing.T) {
	policy := ShippingPolicy{FlatFee: 20, FreeAbove: 500}
	if fee := policy.Quote(100); fee != 20 {
		t.Fatalf("expected flat fee 20, got %d", fee)
	}
	if fee := policy.Quote(500); fee != 0 {
		t.Fatalf("expected free shipping at threshold, got %d", fee)
	}
	if fee := (ShippingPolicy{}).Quote(100); fee != 0 {
		t.Fatalf("expected zero fee without policy, got %d", fee)
	}
}

func TestIsDeferredPaymentMethod(t *testing.T) {
	if !IsDeferredPaymentMethod(PaymentMethodCOD) {
		t.Fatalf("expected COD to be deferred")
	}
	if IsDeferredPaymentMethod(PaymentMethodBankTransfer) {
		t.Fatalf("expected bank transfer to require confirmation")
	}
	for _, raw := range []string{"cod", "Cash-On-Delivery", "cash_on_delivery"} {
		method, ok := ParsePaymentMethod(raw)
		if !ok || method != PaymentMethodCOD {
			t.Fatalf("expected %q to parse as COD, got %q", raw, method)
		}
	}
	if _, ok := ParsePaymentMethod("crypto"); ok {
		t.Fatalf("expected unknown method to be rejected")
	}
}

func TestOwnerValidity(t *testing.T) {
	if (Owner{}).Valid() {
		t.Fatalf("empty owner must be invalid")
	}
	if (Owner{UserID: "u", GuestID: "g"}).Valid() {
		t.Fatalf("owner with both ids must be invalid")
	}
	user := Owner{UserID: "u-1"}
	if !user.Matches(Owner{UserID: "u-1"}) {
		t.Fatalf("expected matching owners")
	}
	if user.Matches(Owner{GuestID: "u-1"}) {
		t.Fatalf("user and guest owners must not match")
	}
}

func TestCouponRuleApply(t *testing.T) {
	rule := CouponRule{Ref: "cpn-1", Code: "WELCOME10", DiscountAmount: 10, MinItemsPrice: 100, Active: true}
	coupon, ok := rule.Apply(250)
	if !ok || coupon.DiscountAmount != 10 || coupon.Code != "WELCOME10" {
		t.Fatalf("expected coupon to apply, got %+v (%v)", coupon, ok)
	}
	if _, ok := rule.Apply(99); ok {
		t.Fatalf("expected minimum items price to be enforced")
	}
	rule.Active = false
	if _, ok := rule.Apply(250); ok {
		t.Fatalf("expected inactive coupon to be rejected")
	}
}
