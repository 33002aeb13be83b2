package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/parleyhq/parley/internal/domain/conversation"
	"github.com/parleyhq/parley/internal/domain/stream"
	"github.com/parleyhq/parley/internal/port/agent"
	"github.com/parleyhq/parley/internal/service"
)

// sendRequest mirrors the upstream chat request shape.
type sendRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	TWGID          string `json:"twg_id,omitempty"`
}

// turnFrame is one relayed SSE frame: the upstream taxonomy re-emitted, with
// the applied message attached where one exists so the browser renders without
// a follow-up snapshot fetch.
type turnFrame struct {
	Type           string                `json:"type"`
	ConversationID string                `json:"conversation_id,omitempty"`
	Status         string                `json:"status,omitempty"`
	Name           string                `json:"name,omitempty"`
	Message        *conversation.Message `json:"message,omitempty"`
	Payload        *stream.Interrupt     `json:"payload,omitempty"`
	Error          string                `json:"error,omitempty"`
}

func renderFrame(localID string, u service.Update) turnFrame {
	f := turnFrame{Type: string(u.Event.Kind), Message: u.Message}
	switch u.Event.Kind {
	case stream.KindStart:
		// The upstream conversation id stays pinned inside the gateway; the
		// browser only ever sees the local one.
		f.ConversationID = localID
	case stream.KindThinking:
		f.Status = u.Event.Status
	case stream.KindTool:
		f.Name = u.Event.Tool
	case stream.KindInterrupt:
		f.Payload = u.Event.Interrupt
	case stream.KindError:
		f.Error = u.Event.Err
	}
	return f
}

// SendConversation handles POST /api/v1/conversations/send. It opens a turn
// and relays the turn's events as an SSE stream, one frame per event. The
// X-Conversation-ID response header carries the (possibly freshly minted)
// local conversation id. A browser that goes away mid-stream cancels the turn.
func (h *Handlers) SendConversation(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[sendRequest](w, r)
	if !ok {
		return
	}

	turn, err := h.Sessions.Send(r.Context(), req.ConversationID, req.Message, req.TWGID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer turn.Cancel()

	w.Header().Set("X-Conversation-ID", turn.ConversationID)
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for {
		select {
		case u, open := <-turn.Updates():
			if !open {
				return
			}
			frame := renderFrame(turn.ConversationID, u)
			data, err := json.Marshal(frame)
			if err != nil {
				slog.Error("marshal turn frame", "kind", frame.Type, "error", err)
				continue
			}
			if err := sse.Write(frame.Type, data); err != nil {
				slog.Debug("browser left mid-turn", "conversation_id", turn.ConversationID)
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// GetConversation handles GET /api/v1/conversations/{id}: a point-in-time
// snapshot (messages, status, advisory fields).
func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Sessions.Snapshot(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// CancelConversation handles POST /api/v1/conversations/{id}/cancel.
func (h *Handlers) CancelConversation(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Sessions.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "conversation_id": id})
}

// ClearConversation handles DELETE /api/v1/conversations/{id}: cancel any
// in-flight turn, then reset the thread.
func (h *Handlers) ClearConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.Clear(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleReaction handles POST
// /api/v1/conversations/{id}/messages/{msgID}/reactions. The response carries
// the per-emoji state after the toggle: authoritative when the upstream
// confirmed it, optimistic otherwise.
func (h *Handlers) ToggleReaction(w http.ResponseWriter, r *http.Request) {
	op, ok := readJSON[agent.ReactionOp](w, r)
	if !ok {
		return
	}

	msgID := urlParam(r, "msgID")
	reactions, err := h.Sessions.ToggleReaction(r.Context(), urlParam(r, "id"), msgID, op)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": msgID,
		"reactions":  reactions,
	})
}
