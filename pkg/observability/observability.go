// Package observability records RED-style metrics for signing operations
// through OpenTelemetry. The host wires the meter provider; this package only
// builds instruments against it.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "signoff"

// Recorder holds the signing instruments.
type Recorder struct {
	signCounter  metric.Int64Counter
	errorCounter metric.Int64Counter
	durationHist metric.Float64Histogram
	mirrored     metric.Int64Counter
}

// NewRecorder builds the instruments on the global meter provider.
func NewRecorder() (*Recorder, error) {
	return NewRecorderWith(otel.Meter(instrumentationName))
}

// NewRecorderWith builds the instruments on a specific meter. Used by tests
// with a manual-reader provider.
func NewRecorderWith(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error

	if r.signCounter, err = meter.Int64Counter("signoff.sign.total",
		metric.WithDescription("Signing operations attempted"),
	); err != nil {
		return nil, fmt.Errorf("create sign counter: %w", err)
	}
	if r.errorCounter, err = meter.Int64Counter("signoff.sign.errors",
		metric.WithDescription("Signing operations that failed"),
	); err != nil {
		return nil, fmt.Errorf("create error counter: %w", err)
	}
	if r.durationHist, err = meter.Float64Histogram("signoff.sign.duration",
		metric.WithDescription("Signing operation duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	if r.mirrored, err = meter.Int64Counter("signoff.records.mirrored",
		metric.WithDescription("Records mirrored into destinations"),
	); err != nil {
		return nil, fmt.Errorf("create mirror counter: %w", err)
	}
	return r, nil
}

// ObserveSign records one signing operation: the triggering workflow action,
// its duration and outcome.
func (r *Recorder) ObserveSign(ctx context.Context, action, sourceURI string, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("source", sourceURI),
	)
	r.signCounter.Add(ctx, 1, attrs)
	r.durationHist.Record(ctx, elapsed.Seconds(), attrs)
	if err != nil {
		r.errorCounter.Add(ctx, 1, attrs)
	}
}

// ObserveMirror records how many records a mirroring pass applied.
func (r *Recorder) ObserveMirror(ctx context.Context, sourceURI string, count int) {
	if r == nil || count == 0 {
		return
	}
	r.mirrored.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("source", sourceURI),
	))
}
