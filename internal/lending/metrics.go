package lending

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"libracirc/internal/errkind"
)

type metrics struct {
	borrows      metric.Int64Counter
	returns      metric.Int64Counter
	rejections   metric.Int64Counter
	overdueSwept metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("libracirc/lending")
	m := &metrics{}
	var err error
	if m.borrows, err = meter.Int64Counter("lending.borrows", metric.WithDescription("loans opened")); err != nil {
		return nil, fmt.Errorf("create borrows counter: %w", err)
	}
	if m.returns, err = meter.Int64Counter("lending.returns", metric.WithDescription("loans closed")); err != nil {
		return nil, fmt.Errorf("create returns counter: %w", err)
	}
	if m.rejections, err = meter.Int64Counter("lending.rejections", metric.WithDescription("operations rejected, by error code")); err != nil {
		return nil, fmt.Errorf("create rejections counter: %w", err)
	}
	if m.overdueSwept, err = meter.Int64Counter("lending.overdue_swept", metric.WithDescription("loans marked overdue by the sweeper")); err != nil {
		return nil, fmt.Errorf("create overdue counter: %w", err)
	}
	return m, nil
}

func (m *metrics) reject(ctx context.Context, op string, err error) {
	m.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("code", errkind.CodeOf(err)),
	))
}
