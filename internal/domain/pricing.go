package domain

import "errors"

// ErrNegativeAmount is returned when a monetary input is below zero.
var ErrNegativeAmount = errors.New("pricing: negative amount")

// ShippingPolicy computes the shipping fee charged for a set of items.
type ShippingPolicy struct {
	FlatFee int64
	// FreeAbove waives the flat fee when the items price reaches the threshold. Zero disables it.
	FreeAbove int64
}

// Quote returns the shipping fee for the given items price.
func (p ShippingPolicy) Quote(itemsPrice int64) int64 {
	if p.FlatFee <= 0 {
		return 0
	}
	if p.FreeAbove > 0 && itemsPrice >= p.FreeAbove {
		return 0
	}
	return p.FlatFee
}

// LineTotal returns UnitPrice * Quantity for a line item.
func LineTotal(item LineItem) int64 {
	if item.Quantity <= 0 {
		return 0
	}
	return item.UnitPrice * int64(item.Quantity)
}

// ComputePricing totals the line items, applies shipping and clamps the discount so the total is
// never negative. TotalPrice always equals ItemsPrice + ShippingPrice - DiscountAmount.
func ComputePricing(items []LineItem, shipping, discount int64) (Pricing, error) {
	if shipping < 0 || discount < 0 {
		return Pricing{}, ErrNegativeAmount
	}
	var itemsPrice int64
	for _, item := range items {
		if item.UnitPrice < 0 {
			return Pricing{}, ErrNegativeAmount
		}
		itemsPrice += LineTotal(item)
	}
	if gross := itemsPrice + shipping; discount > gross {
		discount = gross
	}
	return Pricing{
		ItemsPrice:     itemsPrice,
		ShippingPrice:  shipping,
		DiscountAmount: discount,
		TotalPrice:     itemsPrice + shipping - discount,
	}, nil
}

// Consistent reports whether the stored totals satisfy the pricing invariant.
func (p Pricing) Consistent() bool {
	return p.TotalPrice == p.ItemsPrice+p.ShippingPrice-p.DiscountAmount && p.TotalPrice >= 0
}

// CouponRule is the stored definition of a coupon as kept by the coupon backends.
type CouponRule struct {
	Ref            string
	Code           string
	DiscountAmount int64
	MinItemsPrice  int64
	Active         bool
}

// Apply resolves the rule against an items price. It reports false when the rule does not apply.
func (r CouponRule) Apply(itemsPrice int64) (Coupon, bool) {
	if !r.Active || r.DiscountAmount <= 0 || itemsPrice < r.MinItemsPrice {
		return Coupon{}, false
	}
	return Coupon{Ref: r.Ref, Code: r.Code, DiscountAmount: r.DiscountAmount}, true
}
