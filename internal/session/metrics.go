package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	passes   metric.Int64Counter
	restarts metric.Int64Counter
	results  metric.Int64Counter
	errors   metric.Int64Counter
	id       attribute.KeyValue
	attrs    metric.MeasurementOption
}

func newMetrics(controllerID string) (*metrics, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-dictation/session")
	id := attribute.String("controller", controllerID)
	m := &metrics{id: id, attrs: metric.WithAttributes(id)}
	var err error
	if m.passes, err = meter.Int64Counter("loqa.dictation.passes", metric.WithDescription("Recognition passes issued")); err != nil {
		return nil, err
	}
	if m.restarts, err = meter.Int64Counter("loqa.dictation.restarts", metric.WithDescription("Automatic restarts after a pass ended")); err != nil {
		return nil, err
	}
	if m.results, err = meter.Int64Counter("loqa.dictation.results", metric.WithDescription("Recognized fragments appended")); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter("loqa.dictation.errors", metric.WithDescription("Engine errors by code")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) pass() {
	if m != nil {
		m.passes.Add(context.Background(), 1, m.attrs)
	}
}

func (m *metrics) restart() {
	if m != nil {
		m.restarts.Add(context.Background(), 1, m.attrs)
	}
}

func (m *metrics) result() {
	if m != nil {
		m.results.Add(context.Background(), 1, m.attrs)
	}
}

func (m *metrics) failure(code string) {
	if m != nil {
		m.errors.Add(context.Background(), 1, metric.WithAttributes(m.id, attribute.String("code", code)))
	}
}
