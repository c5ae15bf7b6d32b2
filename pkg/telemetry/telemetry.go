// Package telemetry provides the structured logging and OpenTelemetry
// instrumentation shared across the engine. It generalizes a leveled stdlib-log wrapper into a logr.Logger plus
// a tracer/meter pair, since every trail attempt, commit-rebase retry, and
// deltification decision benefits from being able to name its caller's
// logger rather than writing straight to os.Stdout.
package telemetry

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles a logger, tracer and counters; the trail runner opens
// a span per Retry call and counts deadlock retries against it. A nil *Telemetry is valid and behaves as a
// no-op, so components can be constructed in tests without wiring one up.
type Telemetry struct {
	Log    logr.Logger
	tracer trace.Tracer
	meter  metric.Meter

	deadlockRetries  metric.Int64Counter
	rebaseRetries    metric.Int64Counter
	deltifications   metric.Int64Counter
}

// New builds a Telemetry using the given logr.Logger, or a stdr default if
// log is the zero value. Tracer and meter come from the global OTel
// providers, matching how a library (as opposed to an application) is
// expected to obtain them.
func New(log logr.Logger) *Telemetry {
	if log.GetSink() == nil {
		log = stdr.New(nil)
	}
	t := &Telemetry{
		Log:    log,
		tracer: otel.Tracer("github.com/revfs/revfs"),
		meter:  otel.Meter("github.com/revfs/revfs"),
	}
	t.deadlockRetries, _ = t.meter.Int64Counter("revfs.trail.deadlock_retries")
	t.rebaseRetries, _ = t.meter.Int64Counter("revfs.commit.rebase_retries")
	t.deltifications, _ = t.meter.Int64Counter("revfs.repstore.deltifications")
	return t
}

// StartSpan starts a span named name, returning a no-op span if t is nil.
func (t *Telemetry) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name)
}

// RecordDeadlockRetry increments the deadlock-retry counter.
func (t *Telemetry) RecordDeadlockRetry(ctx context.Context) {
	if t == nil || t.deadlockRetries == nil {
		return
	}
	t.deadlockRetries.Add(ctx, 1)
}

// RecordRebaseRetry increments the commit-rebase retry counter.
func (t *Telemetry) RecordRebaseRetry(ctx context.Context) {
	if t == nil || t.rebaseRetries == nil {
		return
	}
	t.rebaseRetries.Add(ctx, 1)
}

// RecordDeltification increments the skip-deltification counter.
func (t *Telemetry) RecordDeltification(ctx context.Context) {
	if t == nil || t.deltifications == nil {
		return
	}
	t.deltifications.Add(ctx, 1)
}

// Logger returns t's logger, or a discard logger if t is nil.
func (t *Telemetry) Logger() logr.Logger {
	if t == nil {
		return logr.Discard()
	}
	return t.Log
}
