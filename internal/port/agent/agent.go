// Package agent defines the port for the upstream assistant service: the
// chat turn channel plus the REST surfaces for approvals, autocomplete and
// reactions.
package agent

import (
	"context"
	"encoding/json"

	"github.com/parleyhq/parley/internal/domain/approval"
	"github.com/parleyhq/parley/internal/domain/conversation"
	"github.com/parleyhq/parley/internal/domain/trigger"
)

// TurnRequest is one outbound chat message.
type TurnRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	TWGID          string `json:"twg_id,omitempty"`
}

// TurnStream is an open turn channel. Frames yields raw frames strictly in
// arrival order and is closed when the turn ends, the connection drops, or
// the stream is closed locally. A network-level failure surfaces as a final
// synthetic error frame before the channel closes; the stream never retries
// on its own. Close releases the underlying connection and is idempotent.
type TurnStream interface {
	Frames() <-chan json.RawMessage
	Close() error
}

// TurnOpener opens the per-message event stream.
type TurnOpener interface {
	OpenTurn(ctx context.Context, req TurnRequest) (TurnStream, error)
}

// Resolution is the backend's acknowledgement of an approve or decline. On
// success DeliveryID identifies the executed action; on refusal Failure
// carries the human-readable reason to surface inline.
type Resolution struct {
	Success    bool   `json:"success"`
	DeliveryID string `json:"delivery_id,omitempty"`
	Failure    string `json:"failure,omitempty"`
}

// ApprovalResolver is the approval REST surface.
type ApprovalResolver interface {
	FetchApproval(ctx context.Context, requestID string) (*approval.Request, error)
	Approve(ctx context.Context, requestID string, modifications map[string]string) (Resolution, error)
	Decline(ctx context.Context, requestID string, reason string) (Resolution, error)
}

// Suggester is the autocomplete REST surface. token includes the trigger
// character, e.g. "/dep" or "@al". Lookups are advisory: callers treat
// failures as an empty list.
type Suggester interface {
	Autocomplete(ctx context.Context, kind trigger.Kind, token string) ([]trigger.Suggestion, error)
}

// ReactionOp is one reaction toggle forwarded upstream.
type ReactionOp struct {
	Emoji string `json:"emoji"`
	User  string `json:"user"`
	Op    string `json:"op"` // "add" or "remove"
}

// Reactor forwards reaction toggles and returns the authoritative per-emoji
// state for reconciliation.
type Reactor interface {
	React(ctx context.Context, messageID string, op ReactionOp) (map[string]conversation.Reaction, error)
}

// Backend is the full upstream surface. Adapters implement all of it;
// services depend only on the slice they use.
type Backend interface {
	TurnOpener
	ApprovalResolver
	Suggester
	Reactor
}
