package domain

import (
	"slices"
	"time"
)

// Clone returns a deep copy of the checkout.
func (c Checkout) Clone() Checkout {
	out := c
	out.Items = slices.Clone(c.Items)
	out.ShippingAddress = c.ShippingAddress.Clone()
	out.Coupon = clonePtr(c.Coupon)
	out.PaidAt = clonePtr(c.PaidAt)
	out.FinalizedAt = clonePtr(c.FinalizedAt)
	return out
}

// Clone returns a deep copy of the order.
func (o Order) Clone() Order {
	out := o
	out.Items = slices.Clone(o.Items)
	out.ShippingAddress = o.ShippingAddress.Clone()
	out.Coupon = clonePtr(o.Coupon)
	out.PaidAt = clonePtr(o.PaidAt)
	out.DeliveredAt = clonePtr(o.DeliveredAt)
	out.CancelledAt = clonePtr(o.CancelledAt)
	out.CancelReason = clonePtr(o.CancelReason)
	out.RefundedAt = clonePtr(o.RefundedAt)
	out.StatusHistory = slices.Clone(o.StatusHistory)
	return out
}

// Clone returns a deep copy of the invoice.
func (i Invoice) Clone() Invoice {
	out := i
	out.Lines = slices.Clone(i.Lines)
	return out
}

// Clone returns a deep copy of the address.
func (a Address) Clone() Address {
	out := a
	out.Line2 = clonePtr(a.Line2)
	out.State = clonePtr(a.State)
	out.Phone = clonePtr(a.Phone)
	return out
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

// TimePtr returns a pointer to a UTC copy of t.
func TimePtr(t time.Time) *time.Time {
	utc := t.UTC()
	return &utc
}
