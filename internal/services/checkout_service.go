package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/payments"
	"github.com/qrshop/api/internal/repositories"
)

const (
	checkoutEventCreated = "checkout.created"

	maxCheckoutItems    = 100
	maxItemQuantity     = 99
	maxFreeTextLength   = 200
	maxCouponCodeLength = 64
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutNotFound indicates the checkout could not be located.
	ErrCheckoutNotFound = errors.New("checkout: not found")
	// ErrCheckoutConflict indicates a persistent write conflict on the checkout.
	ErrCheckoutConflict = errors.New("checkout: conflict")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrPaymentNotConfirmed indicates finalization was attempted before the transfer was confirmed.
	ErrPaymentNotConfirmed = errors.New("checkout: payment not confirmed")
)

var checkoutRepositoryErrors = repositoryErrorSet{
	invalid:     ErrCheckoutInvalidInput,
	notFound:    ErrCheckoutNotFound,
	conflict:    ErrCheckoutConflict,
	unavailable: ErrCheckoutUnavailable,
}

// paymentReferencer abstracts payments.Gateway for reference generation.
type paymentReferencer interface {
	PaymentReference(ctx context.Context, req payments.ReferenceRequest) (payments.Reference, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Checkouts   repositories.CheckoutRepository
	Catalog     repositories.ProductCatalog
	Coupons     repositories.CouponResolver
	Payments    paymentReferencer
	Shipping    domain.ShippingPolicy
	Currency    string
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      Logger
}

type checkoutService struct {
	checkouts repositories.CheckoutRepository
	catalog   repositories.ProductCatalog
	coupons   repositories.CouponResolver
	payments  paymentReferencer
	shipping  domain.ShippingPolicy
	currency  string
	now       func() time.Time
	newID     func() string
	events    OrderEventPublisher
	logger    Logger
	policy    *bluemonday.Policy
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Checkouts == nil {
		return nil, errors.New("checkout service: checkout repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("checkout service: product catalog is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment gateway is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		return nil, errors.New("checkout service: currency is required")
	}

	return &checkoutService{
		checkouts: deps.Checkouts,
		catalog:   deps.Catalog,
		coupons:   deps.Coupons,
		payments:  deps.Payments,
		shipping:  deps.Shipping,
		currency:  currency,
		now:       utcClock(deps.Clock),
		newID:     idGenerator(deps.IDGenerator),
		events:    deps.Events,
		logger:    loggerOrNoop(deps.Logger),
		policy:    bluemonday.StrictPolicy(),
	}, nil
}

func (s *checkoutService) CreateCheckout(ctx context.Context, cmd CreateCheckoutCommand) (Checkout, error) {
	owner := Owner{UserID: strings.TrimSpace(cmd.Owner.UserID), GuestID: strings.TrimSpace(cmd.Owner.GuestID)}
	if !owner.Valid() {
		return Checkout{}, fmt.Errorf("%w: exactly one of user id or guest id is required", ErrCheckoutInvalidInput)
	}
	if len(cmd.Items) == 0 || len(cmd.Items) > maxCheckoutItems {
		return Checkout{}, fmt.Errorf("%w: between 1 and %d items are required", ErrCheckoutInvalidInput, maxCheckoutItems)
	}
	method, ok := domain.ParsePaymentMethod(cmd.PaymentMethod)
	if !ok {
		return Checkout{}, fmt.Errorf("%w: unsupported payment method %q", ErrCheckoutInvalidInput, cmd.PaymentMethod)
	}
	address, err := s.normalizeAddress(cmd.ShippingAddress)
	if err != nil {
		return Checkout{}, err
	}

	refs := make([]string, 0, len(cmd.Items))
	for i, item := range cmd.Items {
		ref := strings.TrimSpace(item.ProductRef)
		if ref == "" {
			return Checkout{}, fmt.Errorf("%w: items[%d].productRef is required", ErrCheckoutInvalidInput, i)
		}
		if item.Quantity < 1 || item.Quantity > maxItemQuantity {
			return Checkout{}, fmt.Errorf("%w: items[%d].quantity must be between 1 and %d", ErrCheckoutInvalidInput, i, maxItemQuantity)
		}
		if !slices.Contains(refs, ref) {
			refs = append(refs, ref)
		}
	}

	products, err := s.catalog.Snapshot(ctx, refs)
	if err != nil {
		return Checkout{}, checkoutRepositoryErrors.mapError(err)
	}

	items := make([]domain.LineItem, 0, len(cmd.Items))
	for i, input := range cmd.Items {
		ref := strings.TrimSpace(input.ProductRef)
		product, ok := products[ref]
		if !ok || !product.Active {
			return Checkout{}, fmt.Errorf("%w: items[%d] product %q is not available", ErrCheckoutInvalidInput, i, ref)
		}
		line := domain.LineItem{
			ProductRef: ref,
			Name:       product.Name,
			Image:      product.Image,
			UnitPrice:  product.UnitPrice,
			Size:       s.sanitize(input.Size),
			Color:      s.sanitize(input.Color),
			Quantity:   input.Quantity,
		}
		line.Total = domain.LineTotal(line)
		items = append(items, line)
	}

	var itemsPrice int64
	for _, item := range items {
		itemsPrice += item.Total
	}

	var coupon *domain.CouponApplication
	if cmd.CouponCode != nil {
		code := s.normalizeCouponCode(*cmd.CouponCode)
		if code != "" {
			applied, err := s.resolveCoupon(ctx, code, itemsPrice)
			if err != nil {
				return Checkout{}, err
			}
			coupon = &applied
		}
	}

	var discount int64
	if coupon != nil {
		discount = coupon.DiscountAmount
	}
	pricing, err := domain.ComputePricing(items, s.shipping.Quote(itemsPrice), discount)
	if err != nil {
		return Checkout{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}
	if coupon != nil {
		coupon.DiscountAmount = pricing.DiscountAmount
	}

	now := s.now()
	checkout := Checkout{
		ID:              checkoutIDPrefix + s.newID(),
		Owner:           owner,
		Items:           items,
		ShippingAddress: address,
		Coupon:          coupon,
		PaymentMethod:   method,
		Currency:        s.currency,
		Pricing:         pricing,
		PaymentStatus:   domain.PaymentStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.checkouts.Insert(ctx, checkout); err != nil {
		return Checkout{}, checkoutRepositoryErrors.mapError(err)
	}

	publishEvent(ctx, s.events, s.logger, OrderEvent{
		Type:        checkoutEventCreated,
		AggregateID: checkout.ID,
		CheckoutID:  checkout.ID,
		ActorID:     owner.Key(),
		OccurredAt:  now,
		Metadata: map[string]any{
			"paymentMethod": string(method),
			"totalPrice":    pricing.TotalPrice,
			"currency":      s.currency,
		},
	})
	return checkout, nil
}

func (s *checkoutService) GetCheckout(ctx context.Context, checkoutID string) (Checkout, error) {
	id := strings.TrimSpace(checkoutID)
	if id == "" {
		return Checkout{}, fmt.Errorf("%w: checkout id is required", ErrCheckoutInvalidInput)
	}
	checkout, err := s.checkouts.FindByID(ctx, id)
	if err != nil {
		return Checkout{}, checkoutRepositoryErrors.mapError(err)
	}
	return checkout, nil
}

func (s *checkoutService) PaymentInstructions(ctx context.Context, checkoutID string) (PaymentInstructions, error) {
	checkout, err := s.GetCheckout(ctx, checkoutID)
	if err != nil {
		return PaymentInstructions{}, err
	}
	if domain.IsDeferredPaymentMethod(checkout.PaymentMethod) {
		return PaymentInstructions{}, fmt.Errorf("%w: %s checkouts are not paid by transfer", ErrCheckoutInvalidInput, checkout.PaymentMethod)
	}
	ref, err := s.payments.PaymentReference(ctx, payments.ReferenceRequest{
		CheckoutID: checkout.ID,
		Amount:     checkout.Pricing.TotalPrice,
		Currency:   checkout.Currency,
	})
	if err != nil {
		if errors.Is(err, payments.ErrInvalidRequest) {
			return PaymentInstructions{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		}
		s.logger(ctx, "payment.reference.failed", map[string]any{"checkoutId": checkout.ID, "error": err.Error()})
		return PaymentInstructions{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}
	return PaymentInstructions{
		CheckoutID:    checkout.ID,
		Reference:     ref.Code,
		Memo:          ref.Code,
		Amount:        ref.Amount,
		Currency:      ref.Currency,
		BankCode:      ref.BankCode,
		AccountNumber: ref.AccountNumber,
		AccountName:   ref.AccountName,
		QRURL:         ref.QRPayload,
	}, nil
}

func (s *checkoutService) resolveCoupon(ctx context.Context, code string, itemsPrice int64) (domain.CouponApplication, error) {
	if s.coupons == nil {
		return domain.CouponApplication{}, fmt.Errorf("%w: coupons are not accepted", ErrCheckoutInvalidInput)
	}
	coupon, err := s.coupons.Resolve(ctx, code, itemsPrice)
	if err != nil {
		var repoErr repositories.RepositoryError
		var inv invalidError
		if (errors.As(err, &repoErr) && repoErr.IsNotFound()) || (errors.As(err, &inv) && inv.IsInvalid()) {
			return domain.CouponApplication{}, fmt.Errorf("%w: coupon %q cannot be applied", ErrCheckoutInvalidInput, code)
		}
		return domain.CouponApplication{}, checkoutRepositoryErrors.mapError(err)
	}
	if coupon.DiscountAmount < 0 {
		return domain.CouponApplication{}, fmt.Errorf("%w: coupon %q has a negative discount", ErrCheckoutInvalidInput, code)
	}
	return domain.CouponApplication{Code: code, DiscountAmount: coupon.DiscountAmount, CouponRef: coupon.Ref}, nil
}

func (s *checkoutService) normalizeAddress(addr Address) (Address, error) {
	out := Address{
		Recipient:  s.sanitize(addr.Recipient),
		Line1:      s.sanitize(addr.Line1),
		Line2:      s.sanitizeOptional(addr.Line2),
		City:       s.sanitize(addr.City),
		State:      s.sanitizeOptional(addr.State),
		PostalCode: s.sanitize(addr.PostalCode),
		Country:    strings.ToUpper(s.sanitize(addr.Country)),
		Phone:      s.sanitizeOptional(addr.Phone),
	}
	var missing []string
	if out.Recipient == "" {
		missing = append(missing, "recipient")
	}
	if out.Line1 == "" {
		missing = append(missing, "line1")
	}
	if out.City == "" {
		missing = append(missing, "city")
	}
	if out.Country == "" {
		missing = append(missing, "country")
	}
	if len(missing) > 0 {
		return Address{}, fmt.Errorf("%w: shipping address requires %s", ErrCheckoutInvalidInput, strings.Join(missing, ", "))
	}
	return out, nil
}

var angleBrackets = strings.NewReplacer("<", "", ">", "")

// sanitize strips markup and trims free text supplied by the client. Entities are decoded before
// the policy runs so encoded tags are stripped too, and no angle bracket survives the round trip.
func (s *checkoutService) sanitize(value string) string {
	cleaned := html.UnescapeString(s.policy.Sanitize(html.UnescapeString(value)))
	cleaned = strings.TrimSpace(angleBrackets.Replace(cleaned))
	if len([]rune(cleaned)) > maxFreeTextLength {
		cleaned = string([]rune(cleaned)[:maxFreeTextLength])
	}
	return cleaned
}

func (s *checkoutService) sanitizeOptional(value *string) *string {
	if value == nil {
		return nil
	}
	cleaned := s.sanitize(*value)
	if cleaned == "" {
		return nil
	}
	return &cleaned
}

func (s *checkoutService) normalizeCouponCode(raw string) string {
	code := cases.Upper(language.Und).String(norm.NFKC.String(strings.TrimSpace(raw)))
	code = strings.Join(strings.Fields(code), "")
	if runes := []rune(code); len(runes) > maxCouponCodeLength {
		code = string(runes[:maxCouponCodeLength])
	}
	return code
}
