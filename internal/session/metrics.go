package session

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/session"

type instruments struct {
	tracer       trace.Tracer
	transitions  metric.Int64Counter
	events       metric.Int64Counter
	coalesced    metric.Int64Counter
	dropped      metric.Int64Counter
	startLatency metric.Float64Histogram
}

func newInstruments(log *slog.Logger) *instruments {
	meter := otel.Meter(instrumentationName)
	ins := &instruments{tracer: otel.Tracer(instrumentationName)}

	var err error
	if ins.transitions, err = meter.Int64Counter("loqa.dictation.transitions",
		metric.WithDescription("Session state transitions")); err != nil {
		log.Warn("failed to create transitions counter", slogError(err))
	}
	if ins.events, err = meter.Int64Counter("loqa.dictation.events",
		metric.WithDescription("Recognition events published to subscribers")); err != nil {
		log.Warn("failed to create events counter", slogError(err))
	}
	if ins.coalesced, err = meter.Int64Counter("loqa.dictation.interim_coalesced",
		metric.WithDescription("Interim revisions replaced before a subscriber consumed them")); err != nil {
		log.Warn("failed to create coalesced counter", slogError(err))
	}
	if ins.dropped, err = meter.Int64Counter("loqa.dictation.events_dropped",
		metric.WithDescription("Recognition events dropped after cancel, failure or when empty")); err != nil {
		log.Warn("failed to create dropped counter", slogError(err))
	}
	if ins.startLatency, err = meter.Float64Histogram("loqa.dictation.start_latency",
		metric.WithDescription("Time from start request to listening"),
		metric.WithUnit("ms")); err != nil {
		log.Warn("failed to create start latency histogram", slogError(err))
	}
	return ins
}

func (i *instruments) transition(from, to Phase) {
	if i.transitions == nil {
		return
	}
	i.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (i *instruments) event(final bool) {
	if i.events == nil {
		return
	}
	kind := "interim"
	if final {
		kind = "final"
	}
	i.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (i *instruments) coalesce(n int64) {
	if i.coalesced == nil || n == 0 {
		return
	}
	i.coalesced.Add(context.Background(), n)
}

func (i *instruments) drop(reason string) {
	if i.dropped == nil {
		return
	}
	i.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (i *instruments) started(began time.Time) {
	if i.startLatency == nil {
		return
	}
	i.startLatency.Record(context.Background(), float64(time.Since(began).Microseconds())/1000)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
