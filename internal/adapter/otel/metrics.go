package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "parley"

// Metrics holds all parley metric instruments.
type Metrics struct {
	TurnsStarted      metric.Int64Counter
	TurnsCancelled    metric.Int64Counter
	TurnsCompleted    metric.Int64Counter
	FramesDispatched  metric.Int64Counter
	ApprovalsResolved metric.Int64Counter
	SuggestLookups    metric.Int64Counter
	SuggestCacheHits  metric.Int64Counter
	RequestsThrottled metric.Int64Counter
	TurnDuration      metric.Float64Histogram
	SocketLifetime    metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TurnsStarted, err = meter.Int64Counter("parley.turns.started",
		metric.WithDescription("Number of turns started"))
	if err != nil {
		return nil, err
	}

	m.TurnsCancelled, err = meter.Int64Counter("parley.turns.cancelled",
		metric.WithDescription("Number of turns cancelled by the client"))
	if err != nil {
		return nil, err
	}

	m.TurnsCompleted, err = meter.Int64Counter("parley.turns.completed",
		metric.WithDescription("Number of turns that reached a terminal frame"))
	if err != nil {
		return nil, err
	}

	m.FramesDispatched, err = meter.Int64Counter("parley.frames.dispatched",
		metric.WithDescription("Number of stream frames dispatched to clients"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsResolved, err = meter.Int64Counter("parley.approvals.resolved",
		metric.WithDescription("Number of approval requests resolved"))
	if err != nil {
		return nil, err
	}

	m.SuggestLookups, err = meter.Int64Counter("parley.suggest.lookups",
		metric.WithDescription("Number of autocomplete lookups"))
	if err != nil {
		return nil, err
	}

	m.SuggestCacheHits, err = meter.Int64Counter("parley.suggest.cache_hits",
		metric.WithDescription("Number of autocomplete lookups served from cache"))
	if err != nil {
		return nil, err
	}

	m.RequestsThrottled, err = meter.Int64Counter("parley.http.throttled",
		metric.WithDescription("Number of requests rejected by the rate limiter"))
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("parley.turn.duration_seconds",
		metric.WithDescription("Turn duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.SocketLifetime, err = meter.Float64Histogram("parley.meeting.socket_seconds",
		metric.WithDescription("Meeting transcript socket lifetime in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
