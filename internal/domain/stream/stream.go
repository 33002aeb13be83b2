// Package stream defines the event taxonomy carried on a conversation turn.
//
// A turn delivers exactly one "start" event, zero or more advisory status
// events ("thinking", "tool"), then exactly one terminal event ("response",
// "interrupt" or "error"), optionally followed by a "done" marker. Nothing
// may be applied after the terminal event; consumers are expected to drop
// late frames defensively.
package stream

import (
	"github.com/parleyhq/parley/internal/domain/approval"
	"github.com/parleyhq/parley/internal/domain/conversation"
)

// Kind tags an Event with its frame type.
type Kind string

const (
	KindStart     Kind = "start"
	KindThinking  Kind = "thinking"
	KindTool      Kind = "tool"
	KindInterrupt Kind = "interrupt"
	KindResponse  Kind = "response"
	KindError     Kind = "error"
	KindDone      Kind = "done"
)

// Terminal reports whether the kind ends the turn. "done" is a transport
// marker, not a terminal event: the turn already ended on the event before it.
func (k Kind) Terminal() bool {
	return k == KindResponse || k == KindInterrupt || k == KindError
}

// Event is one classified stream frame, a tagged union over Kind.
// Only the fields belonging to the kind are populated.
type Event struct {
	Kind           Kind
	ConversationID string     // start
	Status         string     // thinking
	Tool           string     // tool
	Response       *Response  // response
	Interrupt      *Interrupt // interrupt
	Err            string     // error
}

// Response is the final agent message of a turn. The wire form is either a
// bare string (content only) or an object carrying citations and follow-up
// suggestions alongside the content.
type Response struct {
	Content   string                  `json:"content"`
	Citations []conversation.Citation `json:"citations,omitempty"`
	Followups []string                `json:"followups,omitempty"`
}

// Interrupt is the payload of an interrupt event: a proposed side-effecting
// action awaiting human approval. Message is the human-readable prompt and
// may carry ordinary prose to render alongside the approval card.
type Interrupt struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Draft     approval.Draft `json:"draft"`
	Message   string         `json:"message"`
}
