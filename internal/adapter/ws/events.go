package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/parleyhq/parley/internal/domain/meeting"
)

// Event type constants for WebSocket messages.
const (
	EventConversationStatus = "conversation.status"
	EventReactionUpdate     = "reaction.update"
	EventApprovalResolved   = "approval.resolved"
	EventMeetingUpdate      = "meeting.update"
	EventMeetingTranscript  = "meeting.transcript"
	EventMeetingAgenda      = "meeting.agenda"
)

// ConversationStatusEvent is broadcast when a conversation enters or leaves
// the streaming state.
type ConversationStatusEvent struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

// ReactionUpdateEvent carries the authoritative reaction counts for a message
// after the assistant service reconciles an optimistic toggle.
type ReactionUpdateEvent struct {
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	Reactions      map[string]int `json:"reactions"`
}

// ApprovalResolvedEvent is broadcast when an approval request reaches a
// terminal state, so every attached client can retire its prompt.
type ApprovalResolvedEvent struct {
	RequestID  string `json:"request_id"`
	State      string `json:"state"`
	DeliveryID string `json:"delivery_id,omitempty"`
	Failure    string `json:"failure,omitempty"`
}

// MeetingUpdateEvent is broadcast when a meeting session's status or
// participant roster changes.
type MeetingUpdateEvent struct {
	SessionID    string   `json:"session_id"`
	Status       string   `json:"status"`
	Participants []string `json:"participants,omitempty"`
}

// MeetingTranscriptEvent carries one transcript segment from a live meeting.
type MeetingTranscriptEvent struct {
	SessionID string `json:"session_id"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	Final     bool   `json:"final"`
}

// MeetingAgendaEvent carries the full agenda after any item changes.
type MeetingAgendaEvent struct {
	SessionID string               `json:"session_id"`
	Items     []meeting.AgendaItem `json:"items"`
}

// BroadcastEvent marshals a payload and broadcasts it with the given type.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("websocket event marshal failed", "type", eventType, "error", err)
		return
	}
	h.Broadcast(ctx, Message{Type: eventType, Payload: data})
}
