package order

import (
	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	placed      metric.Int64Counter
	settlements metric.Int64Counter
	callbacks   metric.Int64Counter
	shortfall   metric.Int64Counter
}

func newMetrics(m metric.Meter) (*metrics, error) {
	var (
		out metrics
		err error
	)
	if out.placed, err = m.Int64Counter("storefront.orders.placed",
		metric.WithDescription("Orders stored in pending state"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.placed")
	}
	if out.settlements, err = m.Int64Counter("storefront.orders.settled",
		metric.WithDescription("Orders moved to a terminal payment state"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.settled")
	}
	if out.callbacks, err = m.Int64Counter("storefront.payment.callbacks",
		metric.WithDescription("Provider notifications by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "payment.callbacks")
	}
	if out.shortfall, err = m.Int64Counter("storefront.inventory.shortfall",
		metric.WithDescription("Units sold at settlement that stock could not cover"),
		metric.WithUnit("{unit}"),
	); err != nil {
		return nil, errors.Wrap(err, "inventory.shortfall")
	}
	return &out, nil
}
