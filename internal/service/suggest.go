package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	potel "github.com/parleyhq/parley/internal/adapter/otel"
	"github.com/parleyhq/parley/internal/domain/trigger"
	"github.com/parleyhq/parley/internal/port/agent"
	"github.com/parleyhq/parley/internal/port/cache"
)

// SuggestService relays autocomplete lookups to the assistant service through
// a short-TTL cache and a singleflight group, so a burst of identical partial
// tokens costs one upstream call. Suggestions are advisory: every failure
// yields an empty list, never an error to the composer.
type SuggestService struct {
	backend agent.Suggester
	cache   cache.Cache
	ttl     time.Duration
	group   singleflight.Group
	metrics *potel.Metrics
}

// NewSuggestService creates a SuggestService caching results for ttl.
func NewSuggestService(backend agent.Suggester, c cache.Cache, ttl time.Duration) *SuggestService {
	return &SuggestService{backend: backend, cache: c, ttl: ttl}
}

// SetMetrics attaches metric instruments. Safe to leave unset.
func (s *SuggestService) SetMetrics(m *potel.Metrics) { s.metrics = m }

// Lookup returns suggestions for one partial token, e.g. "/dep" or "@al".
func (s *SuggestService) Lookup(ctx context.Context, kind trigger.Kind, token string) []trigger.Suggestion {
	if s.metrics != nil {
		s.metrics.SuggestLookups.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(kind)),
		))
	}

	key := "suggest:" + string(kind) + ":" + token
	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var out []trigger.Suggestion
		if err := json.Unmarshal(data, &out); err == nil {
			if s.metrics != nil {
				s.metrics.SuggestCacheHits.Add(ctx, 1, metric.WithAttributes(
					attribute.String("kind", string(kind)),
				))
			}
			return out
		}
		// Corrupt entry: fall through to a fresh lookup.
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		list, err := s.backend.Autocomplete(ctx, kind, token)
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(list); err == nil {
			if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
				slog.Debug("suggestion cache write failed", "key", key, "error", err)
			}
		}
		return list, nil
	})
	if err != nil {
		slog.Debug("autocomplete lookup failed", "kind", string(kind), "token", token, "error", err)
		return nil
	}
	return v.([]trigger.Suggestion)
}

// Result is the outcome of one Watcher lookup, tagged with the sequence of
// the lookup that produced it.
type Result struct {
	Seq         uint64
	Kind        trigger.Kind
	Token       string
	Suggestions []trigger.Suggestion
}

// Watcher serializes suggestion lookups for one composer. Each Lookup bumps
// an atomic sequence; a result is delivered only while its lookup is still
// the newest one, so an older response can never overwrite a newer query's
// result (last query wins, not first response).
type Watcher struct {
	svc *SuggestService
	seq atomic.Uint64
}

// NewWatcher creates a Watcher over the given service.
func NewWatcher(svc *SuggestService) *Watcher {
	return &Watcher{svc: svc}
}

// Lookup issues an asynchronous lookup, delivering the result on ch unless a
// newer lookup supersedes it first. It returns this lookup's sequence.
func (w *Watcher) Lookup(ctx context.Context, kind trigger.Kind, token string, ch chan<- Result) uint64 {
	seq := w.seq.Add(1)
	go func() {
		list := w.svc.Lookup(ctx, kind, token)
		if w.seq.Load() != seq {
			return
		}
		select {
		case ch <- Result{Seq: seq, Kind: kind, Token: token, Suggestions: list}:
		case <-ctx.Done():
		}
	}()
	return seq
}

// Current returns the newest issued sequence. Consumers compare a Result's
// Seq against it before applying, closing the race between the delivery
// check and the receive.
func (w *Watcher) Current() uint64 {
	return w.seq.Load()
}

// Dismiss invalidates every in-flight lookup without issuing a new one.
func (w *Watcher) Dismiss() {
	w.seq.Add(1)
}
