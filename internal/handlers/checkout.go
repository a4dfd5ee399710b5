package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/platform/httpx"
	"github.com/qrshop/api/internal/platform/ratelimit"
	"github.com/qrshop/api/internal/platform/requestctx"
	"github.com/qrshop/api/internal/services"
)

const (
	maxCheckoutBodySize  = 32 * 1024
	defaultPollInterval  = 2 * time.Second
	idempotencyKeyHeader = "Idempotency-Key"
)

type createCheckoutItemRequest struct {
	ProductRef string `json:"productRef"`
	Quantity   int    `json:"quantity"`
	Size       string `json:"size"`
	Color      string `json:"color"`
}

type createCheckoutRequest struct {
	Items           []createCheckoutItemRequest `json:"items"`
	ShippingAddress addressPayload              `json:"shippingAddress"`
	Coupon          *string                     `json:"coupon"`
	PaymentMethod   string                      `json:"paymentMethod"`
}

type paymentQRPayload struct {
	CheckoutID    string `json:"checkoutId"`
	Reference     string `json:"reference"`
	Amount        int64  `json:"amount"`
	Memo          string `json:"memo"`
	Currency      string `json:"currency"`
	BankCode      string `json:"bankCode"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
	QRURL         string `json:"qrUrl"`
}

type paymentStatusPayload struct {
	IsPaid        bool    `json:"isPaid"`
	PaidAt        *string `json:"paidAt,omitempty"`
	PaymentStatus string  `json:"paymentStatus"`
	OrderID       string  `json:"orderId,omitempty"`
}

// CheckoutHandlers serves checkout creation, the QR payment screen, payment polling and finalization.
type CheckoutHandlers struct {
	checkouts   services.CheckoutService
	reconciler  services.PaymentReconciler
	finalizer   services.OrderFinalizer
	limiter     ratelimit.Limiter
	pollEvery   time.Duration
	idempotency func(http.Handler) http.Handler
}

// CheckoutOption customises checkout handlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutPollLimiter limits payment-status polls to one per interval for each checkout.
func WithCheckoutPollLimiter(limiter ratelimit.Limiter, interval time.Duration) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.limiter = limiter
		if interval > 0 {
			h.pollEvery = interval
		}
	}
}

// WithCheckoutIdempotency wraps checkout creation with an idempotency middleware.
func WithCheckoutIdempotency(mw func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.idempotency = mw
	}
}

// NewCheckoutHandlers constructs checkout handlers.
func NewCheckoutHandlers(checkouts services.CheckoutService, reconciler services.PaymentReconciler, finalizer services.OrderFinalizer, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		checkouts:  checkouts,
		reconciler: reconciler,
		finalizer:  finalizer,
		pollEvery:  defaultPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /checkout endpoints.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	create := http.Handler(http.HandlerFunc(h.createCheckout))
	if h.idempotency != nil {
		create = h.idempotency(create)
	}
	r.Method(http.MethodPost, "/create", create)
	r.Get("/payment-qr/{checkoutID}", h.paymentQR)
	r.Get("/payment-status/{checkoutID}", h.paymentStatus)
	r.Post("/finalize/{checkoutID}", h.finalize)
	r.Get("/{checkoutID}", h.getCheckout)
}

func (h *CheckoutHandlers) createCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkouts == nil {
		writeServiceUnavailable(ctx, w, "checkout")
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req createCheckoutRequest
	if !decodeJSONBody(w, r, maxCheckoutBodySize, false, &req) {
		return
	}

	items := make([]services.CheckoutItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.CheckoutItemInput{
			ProductRef: strings.TrimSpace(item.ProductRef),
			Quantity:   item.Quantity,
			Size:       strings.TrimSpace(item.Size),
			Color:      strings.TrimSpace(item.Color),
		})
	}

	checkout, err := h.checkouts.CreateCheckout(ctx, services.CreateCheckoutCommand{
		Owner:           owner,
		Items:           items,
		ShippingAddress: req.ShippingAddress.toDomain(),
		CouponCode:      req.Coupon,
		PaymentMethod:   req.PaymentMethod,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if key := requestctx.IdempotencyKey(ctx); key != "" {
		w.Header().Set(idempotencyKeyHeader, key)
		requestctx.Logger(ctx).Info("checkout created",
			zap.String("checkoutId", checkout.ID),
			zap.String("idempotencyKey", key),
		)
	}
	writeJSONResponse(w, http.StatusCreated, buildCheckoutPayload(checkout))
}

func (h *CheckoutHandlers) getCheckout(w http.ResponseWriter, r *http.Request) {
	checkout, ok := h.loadOwnedCheckout(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCheckoutPayload(checkout))
}

func (h *CheckoutHandlers) paymentQR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkout, ok := h.loadOwnedCheckout(w, r)
	if !ok {
		return
	}
	instructions, err := h.checkouts.PaymentInstructions(ctx, checkout.ID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, paymentQRPayload{
		CheckoutID:    instructions.CheckoutID,
		Reference:     instructions.Reference,
		Amount:        instructions.Amount,
		Memo:          instructions.Memo,
		Currency:      instructions.Currency,
		BankCode:      instructions.BankCode,
		AccountNumber: instructions.AccountNumber,
		AccountName:   instructions.AccountName,
		QRURL:         instructions.QRURL,
	})
}

func (h *CheckoutHandlers) paymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}
	checkout, ok := h.loadOwnedCheckout(w, r)
	if !ok {
		return
	}
	if !h.allowPoll(ctx, w, checkout.ID) {
		return
	}

	state, err := h.reconciler.CheckAndUpdate(ctx, checkout.ID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, paymentStatusPayload{
		IsPaid:        state.IsPaid,
		PaidAt:        formatTimePtr(state.PaidAt),
		PaymentStatus: state.PaymentStatus,
		OrderID:       state.OrderID,
	})
}

func (h *CheckoutHandlers) finalize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.finalizer == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	checkout, ok := h.loadOwnedCheckout(w, r)
	if !ok {
		return
	}
	owner, _ := requestctx.Owner(ctx)

	order, err := h.finalizer.Finalize(ctx, services.FinalizeCommand{
		CheckoutID: checkout.ID,
		ActorID:    owner.Key(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

// loadOwnedCheckout fetches the checkout named in the path. Checkouts owned by someone else are
// reported as missing.
func (h *CheckoutHandlers) loadOwnedCheckout(w http.ResponseWriter, r *http.Request) (services.Checkout, bool) {
	ctx := r.Context()
	if h.checkouts == nil {
		writeServiceUnavailable(ctx, w, "checkout")
		return services.Checkout{}, false
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return services.Checkout{}, false
	}
	checkoutID := strings.TrimSpace(chi.URLParam(r, "checkoutID"))
	if checkoutID == "" {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "checkout id is required", http.StatusBadRequest))
		return services.Checkout{}, false
	}
	checkout, err := h.checkouts.GetCheckout(ctx, checkoutID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return services.Checkout{}, false
	}
	if !checkout.Owner.Matches(owner) {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeCheckoutNotFound, "checkout not found", http.StatusNotFound))
		return services.Checkout{}, false
	}
	return checkout, true
}

func (h *CheckoutHandlers) allowPoll(ctx context.Context, w http.ResponseWriter, checkoutID string) bool {
	if h.limiter == nil {
		return true
	}
	decision, err := h.limiter.Allow(ctx, "poll:"+checkoutID, 1, h.pollEvery)
	if err != nil {
		// An unreachable limiter must not block payment polling.
		requestctx.Logger(ctx).Warn("poll limiter failed", zap.String("checkoutId", checkoutID), zap.Error(err))
		return true
	}
	if decision.Allowed {
		return true
	}
	w.Header().Set("Retry-After", ratelimit.RetryAfterHeader(decision.RetryAfter))
	httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeRateLimited, "payment status polled too frequently", http.StatusTooManyRequests))
	return false
}

func requireOwner(w http.ResponseWriter, r *http.Request) (domain.Owner, bool) {
	owner, ok := requestctx.Owner(r.Context())
	if !ok || !owner.Valid() {
		httpx.WriteError(r.Context(), w, httpx.NewError(httpx.CodeUnauthenticated, "authentication or guest id required", http.StatusUnauthorized))
		return domain.Owner{}, false
	}
	return owner, true
}
