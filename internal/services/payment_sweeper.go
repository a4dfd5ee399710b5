package services

import (
	"context"
	"errors"
	"time"

	"github.com/qrshop/api/internal/repositories"
)

const (
	defaultSweepLimit  = 100
	maxSweepLimit      = 500
	defaultSweepMaxAge = 24 * time.Hour
)

// PaymentSweeperDeps wires the sweeper collaborators.
type PaymentSweeperDeps struct {
	Checkouts     repositories.CheckoutRepository
	Reconciler    PaymentReconciler
	Finalizer     OrderFinalizer
	DefaultLimit  int
	DefaultMaxAge time.Duration
	Clock         func() time.Time
	Logger        Logger
}

type paymentSweeper struct {
	checkouts  repositories.CheckoutRepository
	reconciler PaymentReconciler
	finalizer  OrderFinalizer
	limit      int
	maxAge     time.Duration
	now        func() time.Time
	logger     Logger
}

var _ PaymentSweeper = (*paymentSweeper)(nil)

// NewPaymentSweeper constructs a PaymentSweeper.
func NewPaymentSweeper(deps PaymentSweeperDeps) (PaymentSweeper, error) {
	if deps.Checkouts == nil {
		return nil, errors.New("payment sweeper: checkout repository is required")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("payment sweeper: reconciler is required")
	}
	limit := deps.DefaultLimit
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	maxAge := deps.DefaultMaxAge
	if maxAge <= 0 {
		maxAge = defaultSweepMaxAge
	}
	return &paymentSweeper{
		checkouts:  deps.Checkouts,
		reconciler: deps.Reconciler,
		finalizer:  deps.Finalizer,
		limit:      limit,
		maxAge:     maxAge,
		now:        utcClock(deps.Clock),
		logger:     loggerOrNoop(deps.Logger),
	}, nil
}

func (s *paymentSweeper) Sweep(ctx context.Context, cmd SweepCommand) (SweepResult, error) {
	limit := cmd.Limit
	if limit <= 0 {
		limit = s.limit
	}
	if limit > maxSweepLimit {
		limit = maxSweepLimit
	}
	maxAge := cmd.MaxAge
	if maxAge <= 0 {
		maxAge = s.maxAge
	}
	if cmd.Finalize && s.finalizer == nil {
		return SweepResult{}, errors.New("payment sweeper: finalizer not configured")
	}

	pending, err := s.checkouts.ListAwaitingPayment(ctx, repositories.CheckoutSweepFilter{
		CreatedAfter: s.now().Add(-maxAge),
		Limit:        limit,
	})
	if err != nil {
		return SweepResult{}, checkoutRepositoryErrors.mapError(err)
	}

	var result SweepResult
	for _, checkout := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++
		state, err := s.reconciler.CheckAndUpdate(ctx, checkout.ID)
		if err != nil {
			result.Failed++
			s.logger(ctx, "payment.sweep.reconcile_failed", map[string]any{"checkoutId": checkout.ID, "error": err.Error()})
			continue
		}
		if !state.IsPaid {
			continue
		}
		result.Paid++
		if !cmd.Finalize {
			continue
		}
		if _, err := s.finalizer.Finalize(ctx, FinalizeCommand{CheckoutID: checkout.ID, ActorID: cmd.ActorID}); err != nil {
			result.Failed++
			s.logger(ctx, "payment.sweep.finalize_failed", map[string]any{"checkoutId": checkout.ID, "error": err.Error()})
			continue
		}
		result.Finalized++
	}

	s.logger(ctx, "payment.sweep.completed", map[string]any{
		"scanned":   result.Scanned,
		"paid":      result.Paid,
		"finalized": result.Finalized,
		"failed":    result.Failed,
	})
	return result, nil
}
