// Package approval models a proposed side-effecting agent action awaiting an
// explicit human decision, from proposal to terminal resolution.
package approval

import (
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/domain"
)

// State is the workflow position of an approval request.
type State string

const (
	StateProposed  State = "proposed"  // awaiting a decision (idle, retryable)
	StateApproving State = "approving" // approve sent, awaiting acknowledgement
	StateDeclining State = "declining" // decline sent, awaiting acknowledgement
	StateApproved  State = "approved"  // terminal
	StateDeclined  State = "declined"  // terminal
)

// Terminal reports whether the state is a final resolution. A terminal
// request must never be resolved again.
func (s State) Terminal() bool {
	return s == StateApproved || s == StateDeclined
}

// Draft is the editable proposed content attached to a request, e.g. the
// subject and body of an email the agent wants to send. Opaque beyond a
// stable identifier, string fields and a creation timestamp.
type Draft struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	Fields    map[string]string `json:"fields"`
}

// CloneFields returns a copy of the draft's field map, never nil.
func (d Draft) CloneFields() map[string]string {
	out := make(map[string]string, len(d.Fields))
	for k, v := range d.Fields {
		out[k] = v
	}
	return out
}

// Request is one approval workflow instance.
//
// The zero value is not usable; construct with New. Mutating methods enforce
// the legal transitions and return errors wrapping domain.ErrConflict for
// anything else, so a duplicate resolution can never slip through.
type Request struct {
	ID         string     `json:"id"`
	Type       string     `json:"type,omitempty"` // proposed action kind, e.g. "email"
	Prompt     string     `json:"prompt,omitempty"`
	Draft      Draft      `json:"draft"`
	State      State      `json:"state"`
	Editing    bool       `json:"editing,omitempty"`
	Failure    string     `json:"failure,omitempty"` // last backend failure, cleared on retry
	Legacy     bool       `json:"legacy,omitempty"`  // recovered from prose, not a structured interrupt
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	// edits is the local working copy of draft fields. It is never sent
	// upstream until approve, and discarding it restores the original draft.
	edits map[string]string
}

// New creates a proposed request.
func New(id, actionType, prompt string, draft Draft) *Request {
	return &Request{
		ID:        id,
		Type:      actionType,
		Prompt:    prompt,
		Draft:     draft,
		State:     StateProposed,
		CreatedAt: time.Now().UTC(),
	}
}

// Terminal reports whether the request has been finally resolved.
func (r *Request) Terminal() bool {
	return r.State.Terminal()
}

// StartEdit enters the edit sub-cycle. Legal only while proposed and not
// already editing. Editing resumes from previously saved edits if any.
func (r *Request) StartEdit() error {
	if r.State != StateProposed {
		return fmt.Errorf("approval %s: cannot edit in state %q: %w", r.ID, r.State, domain.ErrConflict)
	}
	if r.Editing {
		return fmt.Errorf("approval %s: already editing: %w", r.ID, domain.ErrConflict)
	}
	if r.edits == nil {
		r.edits = r.Draft.CloneFields()
	}
	r.Editing = true
	return nil
}

// SetField records an edited field value. Legal only while editing.
func (r *Request) SetField(key, value string) error {
	if !r.Editing {
		return fmt.Errorf("approval %s: not editing: %w", r.ID, domain.ErrConflict)
	}
	r.edits[key] = value
	return nil
}

// CancelEdit leaves the edit sub-cycle discarding every local edit, restoring
// the original draft fields exactly.
func (r *Request) CancelEdit() error {
	if !r.Editing {
		return fmt.Errorf("approval %s: not editing: %w", r.ID, domain.ErrConflict)
	}
	r.Editing = false
	r.edits = nil
	return nil
}

// SaveEdit leaves the edit sub-cycle keeping the local edits. Nothing is sent
// upstream until approve.
func (r *Request) SaveEdit() error {
	if !r.Editing {
		return fmt.Errorf("approval %s: not editing: %w", r.ID, domain.ErrConflict)
	}
	r.Editing = false
	return nil
}

// FieldValues returns the fields as they should render: the working copy when
// edits exist, the original draft otherwise. The returned map is a copy.
func (r *Request) FieldValues() map[string]string {
	if r.edits == nil {
		return r.Draft.CloneFields()
	}
	out := make(map[string]string, len(r.edits))
	for k, v := range r.edits {
		out[k] = v
	}
	return out
}

// Modifications returns the fields that differ from the original draft, or
// nil when nothing was edited. This is the approve payload.
func (r *Request) Modifications() map[string]string {
	if r.edits == nil {
		return nil
	}
	mods := make(map[string]string)
	for k, v := range r.edits {
		if orig, ok := r.Draft.Fields[k]; !ok || orig != v {
			mods[k] = v
		}
	}
	if len(mods) == 0 {
		return nil
	}
	return mods
}

// BeginApprove moves proposed → approving. Legal only from proposed with no
// edit in progress.
func (r *Request) BeginApprove() error {
	return r.begin(StateApproving)
}

// BeginDecline moves proposed → declining.
func (r *Request) BeginDecline() error {
	return r.begin(StateDeclining)
}

func (r *Request) begin(next State) error {
	if r.Editing {
		return fmt.Errorf("approval %s: edit in progress: %w", r.ID, domain.ErrConflict)
	}
	if r.State != StateProposed {
		return fmt.Errorf("approval %s: cannot resolve in state %q: %w", r.ID, r.State, domain.ErrConflict)
	}
	r.State = next
	r.Failure = ""
	return nil
}

// Complete finalizes the in-flight resolution after the backend acknowledged
// it: approving → approved, declining → declined. Terminal, exactly once.
func (r *Request) Complete() error {
	switch r.State {
	case StateApproving:
		r.State = StateApproved
	case StateDeclining:
		r.State = StateDeclined
	default:
		return fmt.Errorf("approval %s: cannot complete in state %q: %w", r.ID, r.State, domain.ErrConflict)
	}
	now := time.Now().UTC()
	r.ResolvedAt = &now
	return nil
}

// Revert returns an in-flight resolution to proposed after a backend failure,
// recording the failure so it can be shown inline. The action stays
// retryable; nothing is retried automatically.
func (r *Request) Revert(failure string) error {
	if r.State != StateApproving && r.State != StateDeclining {
		return fmt.Errorf("approval %s: cannot revert in state %q: %w", r.ID, r.State, domain.ErrConflict)
	}
	r.State = StateProposed
	r.Failure = failure
	return nil
}
