package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	potel "github.com/parleyhq/parley/internal/adapter/otel"
	"github.com/parleyhq/parley/internal/adapter/ws"
	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/domain/meeting"
	"github.com/parleyhq/parley/internal/port/broadcast"
	"github.com/parleyhq/parley/internal/port/transcript"
)

// MeetingService owns the live transcript sockets. Each meeting session has
// at most one upstream socket, dialed by the first consumer to attach and
// closed when the last one detaches or the peer goes away. The socket handle
// never leaves this service; consumers get a Subscription.
type MeetingService struct {
	dialer  transcript.Dialer
	hub     broadcast.Broadcaster
	metrics *potel.Metrics

	mu       sync.Mutex
	sessions map[string]*meetingSession
}

type meetingSession struct {
	id     string
	socket transcript.Socket
	state  *meeting.Meeting
	subs   map[*Subscription]struct{}
}

// Subscription is one attached consumer of a meeting's live frames. C yields
// raw frames in arrival order and is closed when the meeting ends or the
// subscription is closed. Close detaches; the last detach closes the
// upstream socket. Close is idempotent.
type Subscription struct {
	C <-chan json.RawMessage

	ch     chan json.RawMessage
	detach func()
	once   sync.Once
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.once.Do(s.detach)
}

// NewMeetingService creates a MeetingService.
func NewMeetingService(dialer transcript.Dialer, hub broadcast.Broadcaster) *MeetingService {
	return &MeetingService{
		dialer:   dialer,
		hub:      hub,
		sessions: make(map[string]*meetingSession),
	}
}

// SetMetrics attaches metric instruments. Safe to leave unset.
func (m *MeetingService) SetMetrics(metrics *potel.Metrics) { m.metrics = metrics }

// Attach joins a meeting session: the first consumer dials the upstream
// socket, later ones share it. It returns a snapshot of the state folded so
// far plus a live subscription, in that order, so a consumer replaying the
// snapshot and then the subscription sees every frame exactly once.
func (m *MeetingService) Attach(ctx context.Context, sessionID string) (*meeting.Meeting, *Subscription, error) {
	if sessionID == "" {
		return nil, nil, fmt.Errorf("empty meeting session id: %w", domain.ErrInvalid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.sessions[sessionID]
	if !ok {
		dialCtx, span := potel.StartMeetingSpan(ctx, sessionID)
		sock, err := m.dialer.Dial(dialCtx, sessionID)
		span.End()
		if err != nil {
			return nil, nil, fmt.Errorf("attaching to meeting %s: %w", sessionID, err)
		}
		ms = &meetingSession{
			id:     sessionID,
			socket: sock,
			state:  meeting.New(sessionID),
			subs:   make(map[*Subscription]struct{}),
		}
		m.sessions[sessionID] = ms
		go m.pump(ms)
	}

	sub := &Subscription{ch: make(chan json.RawMessage, 32)}
	sub.C = sub.ch
	sub.detach = func() { m.detach(ms, sub) }
	ms.subs[sub] = struct{}{}

	slog.Info("meeting consumer attached", "session_id", sessionID, "consumers", len(ms.subs))
	return ms.state.Clone(), sub, nil
}

// Command relays one outbound command frame to the meeting's socket.
func (m *MeetingService) Command(ctx context.Context, sessionID string, cmd meeting.Command) error {
	if cmd.Command == "" {
		return fmt.Errorf("empty meeting command: %w", domain.ErrInvalid)
	}

	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("meeting %s: %w", sessionID, domain.ErrNotFound)
	}

	if err := ms.socket.Send(ctx, cmd); err != nil {
		return fmt.Errorf("sending meeting command: %w", err)
	}
	return nil
}

// Snapshot returns the state folded so far for an attached meeting.
func (m *MeetingService) Snapshot(sessionID string) (*meeting.Meeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("meeting %s: %w", sessionID, domain.ErrNotFound)
	}
	return ms.state.Clone(), nil
}

// detach removes one subscription; the last detach closes the socket, which
// ends the pump and retires the session.
func (m *MeetingService) detach(ms *meetingSession, sub *Subscription) {
	m.mu.Lock()
	if _, ok := ms.subs[sub]; !ok {
		// The pump already tore the session down.
		m.mu.Unlock()
		return
	}
	delete(ms.subs, sub)
	close(sub.ch)
	last := len(ms.subs) == 0
	m.mu.Unlock()

	slog.Info("meeting consumer detached", "session_id", ms.id)
	if last {
		_ = ms.socket.Close()
	}
}

// pump is the single reader of one meeting socket: it folds every frame into
// the meeting state, relays it to each subscription, and mirrors the
// noteworthy ones onto the event hub. When the socket closes it retires the
// session; a reconnect is a fresh Attach, never an implicit retry here.
func (m *MeetingService) pump(ms *meetingSession) {
	started := time.Now()
	ctx := context.Background()

	for raw := range ms.socket.Frames() {
		f, err := meeting.Classify(raw)
		if err != nil {
			slog.Warn("dropping malformed meeting frame", "session_id", ms.id, "error", err)
			continue
		}

		m.mu.Lock()
		ms.state.Apply(f)
		subs := make([]chan json.RawMessage, 0, len(ms.subs))
		for sub := range ms.subs {
			subs = append(subs, sub.ch)
		}
		m.mu.Unlock()

		for _, ch := range subs {
			select {
			case ch <- raw:
			default:
				// A consumer that stopped draining loses frames, not the
				// meeting: it still holds the folded state snapshot path.
				slog.Debug("meeting frame dropped for slow consumer", "session_id", ms.id)
			}
		}

		m.mirror(ctx, ms.id, f)
	}

	m.mu.Lock()
	if current, ok := m.sessions[ms.id]; ok && current == ms {
		delete(m.sessions, ms.id)
	}
	subs := make([]*Subscription, 0, len(ms.subs))
	for sub := range ms.subs {
		subs = append(subs, sub)
	}
	ms.subs = make(map[*Subscription]struct{})
	m.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}

	if m.metrics != nil {
		m.metrics.SocketLifetime.Record(ctx, time.Since(started).Seconds())
	}
	m.hub.BroadcastEvent(ctx, ws.EventMeetingUpdate, ws.MeetingUpdateEvent{
		SessionID: ms.id,
		Status:    "disconnected",
	})
	slog.Info("meeting socket closed", "session_id", ms.id, "lifetime", time.Since(started).Round(time.Second))
}

// mirror re-emits a meeting frame on the browser event hub. Interim
// transcript rewrites stay off the hub; attached consumers get them through
// their subscription.
func (m *MeetingService) mirror(ctx context.Context, sessionID string, f meeting.Frame) {
	switch f.Type {
	case meeting.FrameTranscript:
		if !f.Final {
			return
		}
		m.hub.BroadcastEvent(ctx, ws.EventMeetingTranscript, ws.MeetingTranscriptEvent{
			SessionID: sessionID,
			Speaker:   f.Speaker,
			Text:      f.Text,
			Final:     f.Final,
		})
	case meeting.FrameLiveUpdate:
		m.hub.BroadcastEvent(ctx, ws.EventMeetingUpdate, ws.MeetingUpdateEvent{
			SessionID:    sessionID,
			Status:       f.Status,
			Participants: f.Participants,
		})
	case meeting.FrameAgenda:
		m.hub.BroadcastEvent(ctx, ws.EventMeetingAgenda, ws.MeetingAgendaEvent{
			SessionID: sessionID,
			Items:     f.Items,
		})
	case meeting.FrameError:
		m.hub.BroadcastEvent(ctx, ws.EventMeetingUpdate, ws.MeetingUpdateEvent{
			SessionID: sessionID,
			Status:    "error",
		})
	}
}
