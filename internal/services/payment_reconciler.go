package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/payments"
	"github.com/qrshop/api/internal/platform/cache"
	"github.com/qrshop/api/internal/repositories"
)

const (
	defaultPaymentQueryTimeout = 5 * time.Second
	defaultPaymentStatusTTL    = 24 * time.Hour

	reconcileResultAlreadyPaid = "already_paid"
	reconcileResultPaid        = "paid"
	reconcileResultUnpaid      = "unpaid"
	reconcileResultMismatch    = "mismatched_amount"
	reconcileResultError       = "gateway_error"
	reconcileResultDeferred    = "deferred"
)

// paymentGateway abstracts payments.Gateway for the reconciler.
type paymentGateway interface {
	PaymentReference(ctx context.Context, req payments.ReferenceRequest) (payments.Reference, error)
	QueryPayment(ctx context.Context, ref payments.Reference) (payments.Result, error)
}

// PaymentReconcilerDeps wires the reconciler collaborators.
type PaymentReconcilerDeps struct {
	Checkouts    repositories.CheckoutRepository
	Gateway      paymentGateway
	StatusCache  cache.Cache
	StatusTTL    time.Duration
	QueryTimeout time.Duration
	Clock        func() time.Time
	Logger       Logger
	Meter        metric.Meter
}

type paymentReconciler struct {
	checkouts    repositories.CheckoutRepository
	gateway      paymentGateway
	statusCache  cache.Cache
	statusTTL    time.Duration
	queryTimeout time.Duration
	now          func() time.Time
	logger       Logger
	results      metric.Int64Counter
}

var _ PaymentReconciler = (*paymentReconciler)(nil)

// NewPaymentReconciler constructs a PaymentReconciler.
func NewPaymentReconciler(deps PaymentReconcilerDeps) (PaymentReconciler, error) {
	if deps.Checkouts == nil {
		return nil, errors.New("payment reconciler: checkout repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment reconciler: payment gateway is required")
	}
	timeout := deps.QueryTimeout
	if timeout <= 0 {
		timeout = defaultPaymentQueryTimeout
	}
	ttl := deps.StatusTTL
	if ttl <= 0 {
		ttl = defaultPaymentStatusTTL
	}
	statusCache := deps.StatusCache
	if statusCache == nil {
		statusCache = cache.Noop{}
	}
	return &paymentReconciler{
		checkouts:    deps.Checkouts,
		gateway:      deps.Gateway,
		statusCache:  statusCache,
		statusTTL:    ttl,
		queryTimeout: timeout,
		now:          utcClock(deps.Clock),
		logger:       loggerOrNoop(deps.Logger),
		results:      int64Counter(deps.Meter, "payments.reconcile.result", "Outcomes of payment status reconciliation"),
	}, nil
}

func paymentStateKey(checkoutID string) string {
	return "paystate:" + checkoutID
}

func paymentStateOf(checkout Checkout) PaymentState {
	return PaymentState{
		CheckoutID:    checkout.ID,
		IsPaid:        checkout.IsPaid,
		PaidAt:        checkout.PaidAt,
		PaymentStatus: checkout.PaymentStatus,
		OrderID:       checkout.OrderID,
	}
}

// cacheablePaymentState reports whether state can no longer change. A paid checkout still gains its
// order id on finalize, so only finalized states qualify.
func cacheablePaymentState(state PaymentState) bool {
	return state.IsPaid && strings.TrimSpace(state.OrderID) != ""
}

// rememberPaymentState caches a terminal payment state. Unpaid and unfinalized states are never
// cached, so a poller holding a pre-finalize read cannot mask the order id.
func rememberPaymentState(ctx context.Context, c cache.Cache, ttl time.Duration, logger Logger, state PaymentState) {
	if !cacheablePaymentState(state) {
		return
	}
	if err := cache.SetJSON(ctx, c, paymentStateKey(state.CheckoutID), state, ttl); err != nil {
		logger(ctx, "payment.state.cache_failed", map[string]any{"checkoutId": state.CheckoutID, "error": err.Error()})
	}
}

func (r *paymentReconciler) CheckAndUpdate(ctx context.Context, checkoutID string) (PaymentState, error) {
	id := strings.TrimSpace(checkoutID)
	if id == "" {
		return PaymentState{}, fmt.Errorf("%w: checkout id is required", ErrCheckoutInvalidInput)
	}

	if state, ok, err := cache.GetJSON[PaymentState](ctx, r.statusCache, paymentStateKey(id)); err != nil {
		r.logger(ctx, "payment.state.cache_read_failed", map[string]any{"checkoutId": id, "error": err.Error()})
	} else if ok && cacheablePaymentState(state) {
		r.record(ctx, reconcileResultAlreadyPaid)
		return state, nil
	}

	checkout, err := r.checkouts.FindByID(ctx, id)
	if err != nil {
		return PaymentState{}, checkoutRepositoryErrors.mapError(err)
	}
	if checkout.IsPaid {
		state := paymentStateOf(checkout)
		rememberPaymentState(ctx, r.statusCache, r.statusTTL, r.logger, state)
		r.record(ctx, reconcileResultAlreadyPaid)
		return state, nil
	}
	if domain.IsDeferredPaymentMethod(checkout.PaymentMethod) {
		r.record(ctx, reconcileResultDeferred)
		return paymentStateOf(checkout), nil
	}

	result, err := r.query(ctx, checkout)
	if err != nil {
		r.logger(ctx, "payment.query.failed", map[string]any{
			"checkoutId": checkout.ID,
			"error":      err.Error(),
		})
		r.record(ctx, reconcileResultError)
		return paymentStateOf(checkout), nil
	}

	switch result.Status {
	case payments.StatusPaid:
		paidAt := r.now()
		if result.PostedAt != nil && !result.PostedAt.IsZero() {
			paidAt = result.PostedAt.UTC()
		}
		updated, applied, err := r.checkouts.MarkPaid(ctx, checkout.ID, domain.PaymentConfirmation{
			TransactionID: result.TransactionID,
			Amount:        result.Amount,
			PaidAt:        paidAt,
		})
		if err != nil {
			return PaymentState{}, checkoutRepositoryErrors.mapError(err)
		}
		if !applied {
			r.logger(ctx, "payment.confirmation.duplicate", map[string]any{
				"checkoutId":    checkout.ID,
				"transactionId": result.TransactionID,
			})
		} else {
			r.logger(ctx, "payment.confirmed", map[string]any{
				"checkoutId":    checkout.ID,
				"transactionId": result.TransactionID,
				"amount":        result.Amount,
			})
		}
		state := paymentStateOf(updated)
		rememberPaymentState(ctx, r.statusCache, r.statusTTL, r.logger, state)
		r.record(ctx, reconcileResultPaid)
		return state, nil

	case payments.StatusMismatchedAmount:
		r.logger(ctx, "payment.amount_mismatch", map[string]any{
			"checkoutId":    checkout.ID,
			"expected":      checkout.Pricing.TotalPrice,
			"received":      result.Amount,
			"transactionId": result.TransactionID,
		})
		updated, err := r.checkouts.MarkPaymentFailed(ctx, checkout.ID, r.now())
		if err != nil {
			return PaymentState{}, checkoutRepositoryErrors.mapError(err)
		}
		r.record(ctx, reconcileResultMismatch)
		return paymentStateOf(updated), nil

	default:
		r.record(ctx, reconcileResultUnpaid)
		return paymentStateOf(checkout), nil
	}
}

func (r *paymentReconciler) query(ctx context.Context, checkout Checkout) (payments.Result, error) {
	queryCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	ref, err := r.gateway.PaymentReference(queryCtx, payments.ReferenceRequest{
		CheckoutID: checkout.ID,
		Amount:     checkout.Pricing.TotalPrice,
		Currency:   checkout.Currency,
	})
	if err != nil {
		return payments.Result{}, fmt.Errorf("payment reference: %w", err)
	}
	return r.gateway.QueryPayment(queryCtx, ref)
}

func (r *paymentReconciler) record(ctx context.Context, result string) {
	r.results.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
