package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	potel "github.com/parleyhq/parley/internal/adapter/otel"
	"github.com/parleyhq/parley/internal/adapter/ws"
	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/domain/conversation"
	"github.com/parleyhq/parley/internal/domain/stream"
	"github.com/parleyhq/parley/internal/port/agent"
	"github.com/parleyhq/parley/internal/port/broadcast"
)

// Status is the streaming position of a session: at most one turn may be in
// flight per conversation, enforced by this flag under the session mutex.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStreaming Status = "streaming"
)

// Update is one dispatched turn event, delivered on the turn's update channel
// after it has been applied to the conversation. Message is a detached copy
// of the message the event produced, nil for advisory and marker events.
type Update struct {
	Event   stream.Event
	Message *conversation.Message
}

// Turn is the cancellation capability returned by Send. Updates yields the
// turn's dispatched events in arrival order and is closed when the turn ends.
// Cancel stops this turn if it is still the session's current one; cancelling
// a finished or superseded turn is a no-op.
type Turn struct {
	ConversationID string

	updates chan Update
	cancel  func()
}

// Updates returns the turn's event channel.
func (t *Turn) Updates() <-chan Update { return t.updates }

// Cancel stops the turn and returns the session to idle.
func (t *Turn) Cancel() { t.cancel() }

// Session is the streaming controller for one conversation.
type Session struct {
	mu           sync.Mutex
	conv         *conversation.Conversation
	status       Status
	epoch        uint64
	thinking     string
	tool         string
	cancelStream context.CancelFunc
}

// ConversationSnapshot is a point-in-time copy of a session, safe to marshal
// while the session keeps streaming.
type ConversationSnapshot struct {
	ID         string                 `json:"id"`
	UpstreamID string                 `json:"upstream_id,omitempty"`
	TWGID      string                 `json:"twg_id,omitempty"`
	Status     Status                 `json:"status"`
	Thinking   string                 `json:"thinking,omitempty"`
	Tool       string                 `json:"tool,omitempty"`
	Messages   []conversation.Message `json:"messages"`
}

// SessionService owns all live conversations and their turn streams.
type SessionService struct {
	opener    agent.TurnOpener
	reactor   agent.Reactor
	approvals *ApprovalService
	hub       broadcast.Broadcaster
	metrics   *potel.Metrics

	turnTimeout time.Duration
	sem         *semaphore.Weighted

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionService creates a SessionService. maxTurns caps concurrent
// upstream turns across all conversations; turnTimeout bounds a single turn
// stream (zero means unbounded).
func NewSessionService(opener agent.TurnOpener, reactor agent.Reactor, approvals *ApprovalService, hub broadcast.Broadcaster, maxTurns int64, turnTimeout time.Duration) *SessionService {
	if maxTurns <= 0 {
		maxTurns = 1
	}
	return &SessionService{
		opener:      opener,
		reactor:     reactor,
		approvals:   approvals,
		hub:         hub,
		turnTimeout: turnTimeout,
		sem:         semaphore.NewWeighted(maxTurns),
		sessions:    make(map[string]*Session),
	}
}

// SetMetrics attaches metric instruments. Safe to leave unset.
func (s *SessionService) SetMetrics(m *potel.Metrics) { s.metrics = m }

// Send opens a turn for the conversation, creating the conversation when
// conversationID is empty. It fails fast with domain.ErrInvalid on empty
// text and domain.ErrConflict when a turn is already streaming.
func (s *SessionService) Send(ctx context.Context, conversationID, text, twgID string) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty message: %w", domain.ErrInvalid)
	}

	sess := s.getOrCreate(conversationID)

	sess.mu.Lock()
	if sess.status == StatusStreaming {
		sess.mu.Unlock()
		return nil, fmt.Errorf("conversation %s: turn already streaming: %w", sess.conv.ID, domain.ErrConflict)
	}
	if !s.sem.TryAcquire(1) {
		sess.mu.Unlock()
		return nil, fmt.Errorf("concurrent turn limit reached: %w", domain.ErrUnavailable)
	}
	sess.status = StatusStreaming
	sess.epoch++
	epoch := sess.epoch
	sess.thinking, sess.tool = "", ""
	sess.conv.Append(conversation.NewUserMessage(text))
	if twgID == "" {
		twgID = sess.conv.TWGID
	} else {
		sess.conv.TWGID = twgID
	}
	upstreamID := sess.conv.UpstreamID
	localID := sess.conv.ID
	sess.mu.Unlock()

	// The turn outlives the originating HTTP request: it is bounded by its
	// own timeout and cancelled through the session, not the request.
	var turnCtx context.Context
	var cancelStream context.CancelFunc
	if s.turnTimeout > 0 {
		turnCtx, cancelStream = context.WithTimeout(context.Background(), s.turnTimeout)
	} else {
		turnCtx, cancelStream = context.WithCancel(context.Background())
	}

	ts, err := s.opener.OpenTurn(turnCtx, agent.TurnRequest{
		Message:        text,
		ConversationID: upstreamID,
		TWGID:          twgID,
	})
	if err != nil {
		cancelStream()
		s.sem.Release(1)
		sess.mu.Lock()
		if sess.epoch == epoch && sess.status == StatusStreaming {
			sess.status = StatusIdle
			sess.conv.Append(conversation.NewSystemMessage("could not reach the assistant service: " + err.Error()))
		}
		sess.mu.Unlock()
		return nil, fmt.Errorf("opening turn: %w", err)
	}

	sess.mu.Lock()
	if sess.epoch != epoch || sess.status != StatusStreaming {
		// Cancelled or cleared while the turn was being opened.
		sess.mu.Unlock()
		cancelStream()
		_ = ts.Close()
		s.sem.Release(1)
		return nil, fmt.Errorf("turn cancelled: %w", domain.ErrConflict)
	}
	sess.cancelStream = cancelStream
	sess.mu.Unlock()

	// The span rides turnCtx and is ended by the pump's deferred cleanup.
	turnCtx, _ = potel.StartTurnSpan(turnCtx, localID)

	turn := &Turn{
		ConversationID: localID,
		updates:        make(chan Update, 32),
		cancel:         func() { s.cancelTurn(context.Background(), sess, epoch) },
	}

	if s.metrics != nil {
		s.metrics.TurnsStarted.Add(ctx, 1)
	}
	s.hub.BroadcastEvent(ctx, ws.EventConversationStatus, ws.ConversationStatusEvent{
		ConversationID: localID,
		Status:         string(StatusStreaming),
	})
	slog.Info("turn started", "conversation_id", localID)

	go s.pump(turnCtx, sess, turn, ts, epoch)

	return turn, nil
}

// Cancel stops the in-flight turn, if any. Cancelling an idle conversation is
// a no-op; frames still in flight for the cancelled turn are discarded by the
// dispatch loop. Cancellation is best-effort: the backend may already have
// committed a side effect before the signal lands.
func (s *SessionService) Cancel(ctx context.Context, conversationID string) error {
	sess, ok := s.lookup(conversationID)
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}

	sess.mu.Lock()
	if sess.status != StatusStreaming {
		sess.mu.Unlock()
		return nil
	}
	s.stopStreamingLocked(sess)
	sess.mu.Unlock()

	s.noteCancelled(ctx, conversationID)
	return nil
}

// Clear cancels any in-flight turn first, then resets the conversation:
// messages are dropped and the upstream pin removed, in that order, so a
// stale terminal frame can never repopulate a cleared thread.
func (s *SessionService) Clear(ctx context.Context, conversationID string) error {
	sess, ok := s.lookup(conversationID)
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}

	sess.mu.Lock()
	wasStreaming := sess.status == StatusStreaming
	if wasStreaming {
		s.stopStreamingLocked(sess)
	}
	sess.epoch++
	sess.conv.Reset()
	sess.mu.Unlock()

	if wasStreaming {
		s.noteCancelled(ctx, conversationID)
	}
	slog.Info("conversation cleared", "conversation_id", conversationID)
	return nil
}

// Snapshot returns a copy of the conversation for rendering.
func (s *SessionService) Snapshot(conversationID string) (ConversationSnapshot, error) {
	sess, ok := s.lookup(conversationID)
	if !ok {
		return ConversationSnapshot{}, fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	snap := ConversationSnapshot{
		ID:         sess.conv.ID,
		UpstreamID: sess.conv.UpstreamID,
		TWGID:      sess.conv.TWGID,
		Status:     sess.status,
		Thinking:   sess.thinking,
		Tool:       sess.tool,
		Messages:   make([]conversation.Message, 0, len(sess.conv.Messages)),
	}
	for _, m := range sess.conv.Messages {
		snap.Messages = append(snap.Messages, *s.renderMessage(m))
	}
	return snap, nil
}

// ToggleReaction applies a reaction locally first, then reconciles against
// the authoritative counts echoed by the assistant service. A failed upstream
// call leaves the optimistic state in place: eventually consistent, never
// authoritative.
func (s *SessionService) ToggleReaction(ctx context.Context, conversationID, messageID string, op agent.ReactionOp) (map[string]conversation.Reaction, error) {
	if op.Op != "add" && op.Op != "remove" {
		return nil, fmt.Errorf("reaction op %q: %w", op.Op, domain.ErrInvalid)
	}
	if op.Emoji == "" {
		return nil, fmt.Errorf("empty emoji: %w", domain.ErrInvalid)
	}
	sess, ok := s.lookup(conversationID)
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}

	sess.mu.Lock()
	msg, err := sess.conv.Message(messageID)
	if err != nil {
		sess.mu.Unlock()
		return nil, err
	}
	if op.Op == "add" {
		msg.React(op.Emoji, op.User)
	} else {
		msg.Unreact(op.Emoji, op.User)
	}
	local := cloneReactions(msg.Reactions)
	sess.mu.Unlock()

	echo, err := s.reactor.React(ctx, messageID, op)
	if err != nil {
		slog.Warn("reaction not confirmed upstream", "message_id", messageID, "error", err)
		return local, nil
	}

	sess.mu.Lock()
	msg, lookupErr := sess.conv.Message(messageID)
	if lookupErr != nil {
		// Conversation was cleared while the call was in flight.
		sess.mu.Unlock()
		return echo, nil
	}
	msg.Reconcile(echo)
	authoritative := cloneReactions(msg.Reactions)
	sess.mu.Unlock()

	s.hub.BroadcastEvent(ctx, ws.EventReactionUpdate, ws.ReactionUpdateEvent{
		ConversationID: conversationID,
		MessageID:      messageID,
		Reactions:      reactionCounts(authoritative),
	})
	return authoritative, nil
}

func (s *SessionService) getOrCreate(id string) *Session {
	if id != "" {
		if sess, ok := s.lookup(id); ok {
			return sess
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if sess, ok := s.sessions[id]; ok {
			return sess
		}
	}
	c := conversation.New()
	if id != "" {
		// Adopt the caller's id so a browser session survives a restart.
		c.ID = id
	}
	sess := &Session{conv: c, status: StatusIdle}
	s.sessions[c.ID] = sess
	return sess
}

func (s *SessionService) lookup(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// stopStreamingLocked severs the in-flight stream and returns the session to
// idle. Caller holds sess.mu.
func (s *SessionService) stopStreamingLocked(sess *Session) {
	if sess.cancelStream != nil {
		sess.cancelStream()
		sess.cancelStream = nil
	}
	sess.status = StatusIdle
	sess.thinking, sess.tool = "", ""
}

// cancelTurn is the Turn.Cancel path: it only acts while the given epoch is
// still the session's current turn.
func (s *SessionService) cancelTurn(ctx context.Context, sess *Session, epoch uint64) {
	sess.mu.Lock()
	if sess.epoch != epoch || sess.status != StatusStreaming {
		sess.mu.Unlock()
		return
	}
	s.stopStreamingLocked(sess)
	id := sess.conv.ID
	sess.mu.Unlock()

	s.noteCancelled(ctx, id)
}

func (s *SessionService) noteCancelled(ctx context.Context, conversationID string) {
	if s.metrics != nil {
		s.metrics.TurnsCancelled.Add(ctx, 1)
	}
	s.hub.BroadcastEvent(ctx, ws.EventConversationStatus, ws.ConversationStatusEvent{
		ConversationID: conversationID,
		Status:         string(StatusIdle),
	})
	slog.Info("turn cancelled", "conversation_id", conversationID)
}

// pump is the dispatch loop for one turn: it classifies each frame, applies
// it to the conversation under the session mutex, and relays it to the turn
// channel. It is the only goroutine reading the stream, so dispatch order is
// arrival order.
func (s *SessionService) pump(ctx context.Context, sess *Session, turn *Turn, ts agent.TurnStream, epoch uint64) {
	started := time.Now()
	terminal := stream.Kind("")
	interruptSeen := false

	defer func() {
		_ = ts.Close()
		s.sem.Release(1)
		close(turn.updates)
		if s.metrics != nil {
			s.metrics.TurnDuration.Record(context.Background(), time.Since(started).Seconds())
		}
		trace.SpanFromContext(ctx).End()
	}()

	for raw := range ts.Frames() {
		ev, err := stream.Classify(raw)
		if err != nil {
			slog.Warn("dropping malformed frame", "conversation_id", turn.ConversationID, "error", err)
			continue
		}

		if terminal != "" {
			// The turn already ended; only the transport's done marker is
			// expected here, and nothing is applied either way.
			if ev.Kind == stream.KindDone {
				s.emit(ctx, turn, Update{Event: ev})
			} else {
				slog.Warn("dropping frame after terminal event",
					"conversation_id", turn.ConversationID, "kind", string(ev.Kind), "terminal", string(terminal))
			}
			continue
		}

		update, applied := s.apply(ctx, sess, epoch, ev, &interruptSeen)
		if !applied {
			continue
		}
		if ev.Kind.Terminal() {
			terminal = ev.Kind
		}
		if s.metrics != nil {
			s.metrics.FramesDispatched.Add(ctx, 1, metric.WithAttributes(
				attribute.String("kind", string(ev.Kind)),
			))
		}
		s.emit(ctx, turn, update)
	}

	if terminal == "" {
		s.finishAbandoned(ctx, sess, epoch)
	}
}

// apply folds one classified event into the session. It reports false when
// the frame belongs to a cancelled or superseded turn and must be discarded.
func (s *SessionService) apply(ctx context.Context, sess *Session, epoch uint64, ev stream.Event, interruptSeen *bool) (Update, bool) {
	sess.mu.Lock()
	if sess.epoch != epoch || sess.status != StatusStreaming {
		sess.mu.Unlock()
		slog.Debug("dropping frame for superseded turn", "kind", string(ev.Kind))
		return Update{}, false
	}

	switch ev.Kind {
	case stream.KindStart:
		sess.conv.PinUpstreamID(ev.ConversationID)
		sess.mu.Unlock()
		return Update{Event: ev}, true

	case stream.KindThinking:
		sess.thinking = ev.Status
		sess.mu.Unlock()
		return Update{Event: ev}, true

	case stream.KindTool:
		sess.tool = ev.Tool
		sess.mu.Unlock()
		return Update{Event: ev}, true

	case stream.KindResponse:
		msg := conversation.NewMessage(conversation.RoleAgent)
		msg.Content = ev.Response.Content
		msg.Citations = ev.Response.Citations
		msg.Followups = ev.Response.Followups
		msg.Finalize()
		sess.conv.Append(msg)
		sess.status = StatusIdle
		sess.thinking, sess.tool = "", ""
		id := sess.conv.ID
		sess.mu.Unlock()

		if !*interruptSeen {
			s.adoptProseApproval(ctx, sess, epoch, msg)
		}
		s.noteTurnDone(ctx, id, ev.Kind)
		return Update{Event: ev, Message: s.renderDetached(sess, msg)}, true

	case stream.KindInterrupt:
		req := s.approvals.Register(ev.Interrupt)
		msg := conversation.NewMessage(conversation.RoleAgent)
		msg.Content = ev.Interrupt.Message
		msg.Approval = req
		msg.Finalize()
		sess.conv.Append(msg)
		sess.status = StatusIdle
		sess.thinking, sess.tool = "", ""
		id := sess.conv.ID
		sess.mu.Unlock()

		*interruptSeen = true
		s.noteTurnDone(ctx, id, ev.Kind)
		return Update{Event: ev, Message: s.renderDetached(sess, msg)}, true

	case stream.KindError:
		text := ev.Err
		if text == "" {
			text = "the assistant service reported an error"
		}
		msg := conversation.NewSystemMessage(text)
		sess.conv.Append(msg)
		sess.status = StatusIdle
		sess.thinking, sess.tool = "", ""
		id := sess.conv.ID
		sess.mu.Unlock()

		s.noteTurnDone(ctx, id, ev.Kind)
		return Update{Event: ev, Message: s.renderDetached(sess, msg)}, true

	case stream.KindDone:
		sess.mu.Unlock()
		return Update{Event: ev}, true

	default:
		sess.mu.Unlock()
		slog.Warn("dropping frame of unhandled kind", "kind", string(ev.Kind))
		return Update{}, false
	}
}

// adoptProseApproval is the compatibility path for turns whose response
// references an approval only by a prose id instead of a structured
// interrupt. The structured event is authoritative; this fires only when
// none arrived in the same turn.
func (s *SessionService) adoptProseApproval(ctx context.Context, sess *Session, epoch uint64, msg *conversation.Message) {
	id, ok := ScanProse(msg.Content)
	if !ok {
		return
	}
	req, err := s.approvals.AdoptLegacy(ctx, id)
	if err != nil {
		slog.Warn("prose approval reference could not be adopted", "request_id", id, "error", err)
		return
	}

	sess.mu.Lock()
	if sess.epoch == epoch {
		msg.Approval = req
	}
	sess.mu.Unlock()
}

func (s *SessionService) noteTurnDone(ctx context.Context, conversationID string, terminal stream.Kind) {
	if s.metrics != nil {
		s.metrics.TurnsCompleted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("terminal", string(terminal)),
		))
	}
	s.hub.BroadcastEvent(ctx, ws.EventConversationStatus, ws.ConversationStatusEvent{
		ConversationID: conversationID,
		Status:         string(StatusIdle),
	})
	slog.Info("turn finished", "conversation_id", conversationID, "terminal", string(terminal))
}

// finishAbandoned handles a stream that closed without any terminal event:
// a local cancel already returned the session to idle, but an upstream that
// ends the stream cleanly mid-turn has not.
func (s *SessionService) finishAbandoned(ctx context.Context, sess *Session, epoch uint64) {
	sess.mu.Lock()
	if sess.epoch != epoch || sess.status != StatusStreaming {
		sess.mu.Unlock()
		return
	}
	sess.status = StatusIdle
	sess.thinking, sess.tool = "", ""
	sess.conv.Append(conversation.NewSystemMessage("the assistant service ended the turn unexpectedly"))
	id := sess.conv.ID
	sess.mu.Unlock()

	slog.Warn("turn stream ended without terminal event", "conversation_id", id)
	s.noteTurnDone(ctx, id, stream.KindError)
}

func (s *SessionService) emit(ctx context.Context, turn *Turn, u Update) {
	select {
	case turn.updates <- u:
	case <-ctx.Done():
	}
}

// renderDetached returns a copy of msg safe to hand to consumers.
func (s *SessionService) renderDetached(sess *Session, msg *conversation.Message) *conversation.Message {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return s.renderMessage(msg)
}

// renderMessage clones a message, swapping its approval pointer for the live
// registry state. Caller holds sess.mu.
func (s *SessionService) renderMessage(msg *conversation.Message) *conversation.Message {
	c := msg.Clone()
	if c.Approval != nil {
		if live, ok := s.approvals.Peek(c.Approval.ID); ok {
			c.Approval = &live
		}
	}
	return c
}

func cloneReactions(in map[string]conversation.Reaction) map[string]conversation.Reaction {
	if in == nil {
		return nil
	}
	out := make(map[string]conversation.Reaction, len(in))
	for emoji, entry := range in {
		users := make(map[string]bool, len(entry.Users))
		for u, v := range entry.Users {
			users[u] = v
		}
		out[emoji] = conversation.Reaction{Count: entry.Count, Users: users}
	}
	return out
}

func reactionCounts(in map[string]conversation.Reaction) map[string]int {
	out := make(map[string]int, len(in))
	for emoji, entry := range in {
		out[emoji] = entry.Count
	}
	return out
}
