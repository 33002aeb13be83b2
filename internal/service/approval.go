package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	potel "github.com/parleyhq/parley/internal/adapter/otel"
	"github.com/parleyhq/parley/internal/adapter/ws"
	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/domain/approval"
	"github.com/parleyhq/parley/internal/domain/stream"
	"github.com/parleyhq/parley/internal/port/agent"
	"github.com/parleyhq/parley/internal/port/broadcast"
)

// ApprovalService drives the approval workflow: it registers proposed
// requests, relays approve and decline decisions upstream, and guards every
// request against duplicate resolution. A terminal request is never resolved
// twice; a failed resolution reverts to proposed and stays retryable.
type ApprovalService struct {
	backend agent.ApprovalResolver
	hub     broadcast.Broadcaster
	metrics *potel.Metrics

	mu       sync.Mutex // serializes workflow transitions across all requests
	requests sync.Map   // map[requestID]*approval.Request
}

// NewApprovalService creates an ApprovalService.
func NewApprovalService(backend agent.ApprovalResolver, hub broadcast.Broadcaster) *ApprovalService {
	return &ApprovalService{backend: backend, hub: hub}
}

// SetMetrics attaches metric instruments. Safe to leave unset.
func (s *ApprovalService) SetMetrics(m *potel.Metrics) { s.metrics = m }

// Register stores the request proposed by a structured interrupt event and
// returns it. A duplicate interrupt for a known id returns the existing
// request untouched.
func (s *ApprovalService) Register(in *stream.Interrupt) *approval.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.load(in.RequestID); ok {
		return existing
	}
	req := approval.New(in.RequestID, in.Type, in.Message, in.Draft)
	s.requests.Store(req.ID, req)
	slog.Info("approval proposed", "request_id", req.ID, "type", req.Type)
	return req
}

// AdoptLegacy fetches and registers a request referenced only by a prose id.
// The request is marked Legacy so views can tell it apart from a structured
// interrupt.
func (s *ApprovalService) AdoptLegacy(ctx context.Context, requestID string) (*approval.Request, error) {
	s.mu.Lock()
	if existing, ok := s.load(requestID); ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	req, err := s.backend.FetchApproval(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("fetching legacy approval %s: %w", requestID, err)
	}
	req.Legacy = true

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.load(requestID); ok {
		// A structured interrupt landed while we were fetching; it wins.
		return existing, nil
	}
	s.requests.Store(requestID, req)
	slog.Info("legacy approval adopted", "request_id", requestID)
	return req, nil
}

// Get returns a copy of the request, fetching it from the assistant service
// on a local miss and registering the result.
func (s *ApprovalService) Get(ctx context.Context, requestID string) (approval.Request, error) {
	if snap, ok := s.Peek(requestID); ok {
		return snap, nil
	}

	req, err := s.backend.FetchApproval(ctx, requestID)
	if err != nil {
		return approval.Request{}, fmt.Errorf("fetching approval %s: %w", requestID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.load(requestID); ok {
		return *existing, nil
	}
	s.requests.Store(requestID, req)
	return *req, nil
}

// Peek returns a copy of the request without touching upstream.
func (s *ApprovalService) Peek(requestID string) (approval.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.load(requestID)
	if !ok {
		return approval.Request{}, false
	}
	return *req, true
}

// Approve sends the approve decision upstream. mods overrides the request's
// locally edited fields when non-nil. A request already terminal is returned
// as-is with no upstream call; a backend failure reverts the request to
// proposed with the failure recorded, never auto-retried.
func (s *ApprovalService) Approve(ctx context.Context, requestID string, mods map[string]string) (approval.Request, error) {
	s.mu.Lock()
	req, ok := s.load(requestID)
	if !ok {
		s.mu.Unlock()
		return approval.Request{}, fmt.Errorf("approval %s: %w", requestID, domain.ErrNotFound)
	}
	if req.Terminal() {
		snap := *req
		s.mu.Unlock()
		slog.Debug("duplicate resolution ignored", "request_id", requestID, "state", string(snap.State))
		return snap, nil
	}
	if mods == nil {
		mods = req.Modifications()
	}
	if err := req.BeginApprove(); err != nil {
		snap := *req
		s.mu.Unlock()
		return snap, err
	}
	s.mu.Unlock()

	ctx, span := potel.StartApprovalSpan(ctx, requestID, "approve")
	defer span.End()

	res, err := s.backend.Approve(ctx, requestID, mods)
	return s.settle(ctx, req, "approve", res, err)
}

// Decline sends the decline decision upstream, with an optional reason.
func (s *ApprovalService) Decline(ctx context.Context, requestID, reason string) (approval.Request, error) {
	s.mu.Lock()
	req, ok := s.load(requestID)
	if !ok {
		s.mu.Unlock()
		return approval.Request{}, fmt.Errorf("approval %s: %w", requestID, domain.ErrNotFound)
	}
	if req.Terminal() {
		snap := *req
		s.mu.Unlock()
		slog.Debug("duplicate resolution ignored", "request_id", requestID, "state", string(snap.State))
		return snap, nil
	}
	if err := req.BeginDecline(); err != nil {
		snap := *req
		s.mu.Unlock()
		return snap, err
	}
	s.mu.Unlock()

	ctx, span := potel.StartApprovalSpan(ctx, requestID, "decline")
	defer span.End()

	res, err := s.backend.Decline(ctx, requestID, reason)
	return s.settle(ctx, req, "decline", res, err)
}

// settle folds the backend's acknowledgement into the in-flight request:
// success completes it, anything else reverts it to proposed.
func (s *ApprovalService) settle(ctx context.Context, req *approval.Request, action string, res agent.Resolution, callErr error) (approval.Request, error) {
	s.mu.Lock()
	if callErr != nil {
		_ = req.Revert(callErr.Error())
		snap := *req
		s.mu.Unlock()
		slog.Warn("approval resolution failed", "request_id", snap.ID, "action", action, "error", callErr)
		return snap, fmt.Errorf("%s %s: %w", action, snap.ID, callErr)
	}
	if !res.Success {
		failure := res.Failure
		if failure == "" {
			failure = "the assistant service refused the " + action
		}
		_ = req.Revert(failure)
		snap := *req
		s.mu.Unlock()
		slog.Warn("approval resolution refused", "request_id", snap.ID, "action", action, "failure", failure)
		return snap, nil
	}
	_ = req.Complete()
	snap := *req
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ApprovalsResolved.Add(ctx, 1, metric.WithAttributes(
			attribute.String("state", string(snap.State)),
		))
	}
	s.hub.BroadcastEvent(ctx, ws.EventApprovalResolved, ws.ApprovalResolvedEvent{
		RequestID:  snap.ID,
		State:      string(snap.State),
		DeliveryID: res.DeliveryID,
	})
	slog.Info("approval resolved", "request_id", snap.ID, "state", string(snap.State), "delivery_id", res.DeliveryID)
	return snap, nil
}

// StartEdit enters the edit sub-cycle for a proposed request.
func (s *ApprovalService) StartEdit(requestID string) error {
	return s.withRequest(requestID, func(req *approval.Request) error { return req.StartEdit() })
}

// SetField records one edited draft field.
func (s *ApprovalService) SetField(requestID, key, value string) error {
	return s.withRequest(requestID, func(req *approval.Request) error { return req.SetField(key, value) })
}

// SaveEdit leaves the edit sub-cycle keeping the edits.
func (s *ApprovalService) SaveEdit(requestID string) error {
	return s.withRequest(requestID, func(req *approval.Request) error { return req.SaveEdit() })
}

// CancelEdit leaves the edit sub-cycle discarding the edits.
func (s *ApprovalService) CancelEdit(requestID string) error {
	return s.withRequest(requestID, func(req *approval.Request) error { return req.CancelEdit() })
}

func (s *ApprovalService) withRequest(requestID string, fn func(*approval.Request) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.load(requestID)
	if !ok {
		return fmt.Errorf("approval %s: %w", requestID, domain.ErrNotFound)
	}
	return fn(req)
}

func (s *ApprovalService) load(id string) (*approval.Request, bool) {
	v, ok := s.requests.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*approval.Request), true
}
