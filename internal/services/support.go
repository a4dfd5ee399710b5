package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/qrshop/api/internal/repositories"
)

const (
	checkoutIDPrefix = "chk_"
	orderIDPrefix    = "ord_"
	invoiceIDPrefix  = "inv_"

	orderCounterID   = "orders"
	invoiceCounterID = "invoices"

	metricNamespace = "github.com/qrshop/api/internal/services"
)

// Logger is the structured logging hook shared by the services.
type Logger func(ctx context.Context, event string, fields map[string]any)

func loggerOrNoop(logger Logger) Logger {
	if logger == nil {
		return func(context.Context, string, map[string]any) {}
	}
	return logger
}

func utcClock(clock func() time.Time) func() time.Time {
	if clock == nil {
		clock = time.Now
	}
	return func() time.Time {
		return clock().UTC()
	}
}

func idGenerator(gen func() string) func() string {
	if gen == nil {
		return func() string {
			return ulid.Make().String()
		}
	}
	return gen
}

func int64Counter(meter metric.Meter, name, description string) metric.Int64Counter {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}
	counter, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return noop.Int64Counter{}
	}
	return counter
}

func publishEvent(ctx context.Context, events OrderEventPublisher, logger Logger, event OrderEvent) {
	if events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := events.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish.failed", map[string]any{
			"type":      event.Type,
			"aggregate": event.AggregateID,
			"error":     err.Error(),
			"status":    event.CurrentStatus,
		})
	}
}

type invalidError interface {
	IsInvalid() bool
}

// repositoryErrorSet maps repository error categories onto one service's sentinels.
type repositoryErrorSet struct {
	invalid     error
	notFound    error
	conflict    error
	unavailable error
}

func (set repositoryErrorSet) mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", set.notFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", set.conflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", set.unavailable, err)
		}
		var inv invalidError
		if errors.As(err, &inv) && inv.IsInvalid() {
			return fmt.Errorf("%w: %v", set.invalid, err)
		}
	}
	return err
}
