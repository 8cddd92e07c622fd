package dispatch

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "runplane/dispatch"

var tracer trace.Tracer = otel.Tracer(instrumentationName)

type metrics struct {
	activeSessions  metric.Int64UpDownCounter
	sessions        metric.Int64Counter
	sections        metric.Int64Counter
	nodesDispatched metric.Int64Counter
	nodesDropped    metric.Int64Counter
	timeouts        metric.Int64Counter
	sectionSeconds  metric.Float64Histogram
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	var m metrics
	var err, e error

	m.activeSessions, e = meter.Int64UpDownCounter("runplane_sessions_active",
		metric.WithDescription("Sessions currently running"))
	err = errors.Join(err, e)
	m.sessions, e = meter.Int64Counter("runplane_sessions_total",
		metric.WithDescription("Finished sessions"))
	err = errors.Join(err, e)
	m.sections, e = meter.Int64Counter("runplane_sections_total",
		metric.WithDescription("Executed script sections"))
	err = errors.Join(err, e)
	m.nodesDispatched, e = meter.Int64Counter("runplane_nodes_dispatched_total",
		metric.WithDescription("Tasks pushed to nodes"))
	err = errors.Join(err, e)
	m.nodesDropped, e = meter.Int64Counter("runplane_nodes_dropped_total",
		metric.WithDescription("Ready nodes rejected by the access mapping"))
	err = errors.Join(err, e)
	m.timeouts, e = meter.Int64Counter("runplane_section_timeouts_total",
		metric.WithDescription("Sections that hit their wait timeout"))
	err = errors.Join(err, e)
	m.sectionSeconds, e = meter.Float64Histogram("runplane_section_duration_seconds",
		metric.WithDescription("Wall time of one section fan-out"),
		metric.WithUnit("s"))
	err = errors.Join(err, e)

	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metrics) sessionStarted(ctx context.Context, org string) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("org", org)))
}

func (m *metrics) sessionFinished(ctx context.Context, org string, stopped bool) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, -1, metric.WithAttributes(attribute.String("org", org)))
	m.sessions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("org", org),
		attribute.Bool("stopped", stopped),
	))
}

func (m *metrics) dispatched(ctx context.Context) {
	if m == nil {
		return
	}
	m.nodesDispatched.Add(ctx, 1)
}

func (m *metrics) dropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.nodesDropped.Add(ctx, 1)
}

func (m *metrics) timedOut(ctx context.Context) {
	if m == nil {
		return
	}
	m.timeouts.Add(ctx, 1)
}

func (m *metrics) sectionDone(ctx context.Context, started time.Time, nodes int) {
	if m == nil {
		return
	}
	m.sections.Add(ctx, 1)
	m.sectionSeconds.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(attribute.Int("nodes", nodes)))
}
