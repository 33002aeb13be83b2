// Package conversation models a chat thread between a user and the assistant
// service: an ordered message sequence scoped to the current session.
package conversation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/domain/approval"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Conversation is one chat thread. ID is minted locally when the thread is
// created; UpstreamID is assigned by the assistant service on the first turn
// and pinned for the rest of the session (empty before that).
type Conversation struct {
	ID         string     `json:"id"`
	UpstreamID string     `json:"upstream_id,omitempty"`
	TWGID      string     `json:"twg_id,omitempty"`
	Messages   []*Message `json:"messages"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// New creates an empty conversation with a locally minted id.
func New() *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// PinUpstreamID records the backend-assigned conversation id. The first
// non-empty id wins; later differing ids are ignored.
func (c *Conversation) PinUpstreamID(id string) {
	if c.UpstreamID == "" && id != "" {
		c.UpstreamID = id
	}
}

// Append adds a message to the end of the thread.
func (c *Conversation) Append(m *Message) {
	c.Messages = append(c.Messages, m)
	c.UpdatedAt = time.Now().UTC()
}

// Reset clears the thread in place, keeping the local id. The upstream pin
// is removed too, so the next send starts a fresh upstream conversation.
func (c *Conversation) Reset() {
	c.Messages = nil
	c.UpstreamID = ""
	c.TWGID = ""
	c.UpdatedAt = time.Now().UTC()
}

// Message returns the message with the given id.
func (c *Conversation) Message(id string) (*Message, error) {
	for _, m := range c.Messages {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
}

// Citation points a message at its source material.
type Citation struct {
	Source    string  `json:"source"`
	Page      int     `json:"page,omitempty"`
	Relevance float64 `json:"relevance,omitempty"`
}

// Reaction is one emoji entry on a message: a count and the contributor set.
type Reaction struct {
	Count int             `json:"count"`
	Users map[string]bool `json:"users,omitempty"`
}

// Message is a single entry in a conversation. Content grows monotonically
// while a turn streams and is immutable once finalized; reactions remain
// mutable after finalization.
type Message struct {
	ID        string              `json:"id"`
	Role      Role                `json:"role"`
	Content   string              `json:"content"`
	Citations []Citation          `json:"citations,omitempty"`
	Reactions map[string]Reaction `json:"reactions,omitempty"`
	Approval  *approval.Request   `json:"approval,omitempty"`
	Followups []string            `json:"followups,omitempty"`
	Final     bool                `json:"final"`
	CreatedAt time.Time           `json:"created_at"`
}

// NewMessage creates an unfinalized message with a locally minted id.
func NewMessage(role Role) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
}

// NewUserMessage creates a finalized user message.
func NewUserMessage(content string) *Message {
	m := NewMessage(RoleUser)
	m.Content = content
	m.Final = true
	return m
}

// NewSystemMessage creates a finalized system message, used to surface
// failures inline in the thread.
func NewSystemMessage(content string) *Message {
	m := NewMessage(RoleSystem)
	m.Content = content
	m.Final = true
	return m
}

// AppendContent grows the message content. Content is never rewritten, only
// extended, and never after finalization.
func (m *Message) AppendContent(chunk string) error {
	if m.Final {
		return fmt.Errorf("message %s is finalized: %w", m.ID, domain.ErrConflict)
	}
	m.Content += chunk
	return nil
}

// Finalize freezes the message content. Idempotent.
func (m *Message) Finalize() {
	m.Final = true
}

// Clone returns a deep copy of the message. The approval pointer is shared:
// approval state is owned by the approval registry, not by any message copy.
func (m *Message) Clone() *Message {
	c := *m
	if m.Citations != nil {
		c.Citations = append([]Citation(nil), m.Citations...)
	}
	if m.Followups != nil {
		c.Followups = append([]string(nil), m.Followups...)
	}
	if m.Reactions != nil {
		c.Reactions = make(map[string]Reaction, len(m.Reactions))
		for emoji, entry := range m.Reactions {
			users := make(map[string]bool, len(entry.Users))
			for u, v := range entry.Users {
				users[u] = v
			}
			c.Reactions[emoji] = Reaction{Count: entry.Count, Users: users}
		}
	}
	return &c
}

// React adds user to the contributor set for emoji. Applied optimistically,
// before any backend confirmation; a later Reconcile makes it authoritative.
// Reacting twice with the same emoji is a no-op.
func (m *Message) React(emoji, user string) {
	if m.Reactions == nil {
		m.Reactions = make(map[string]Reaction)
	}
	entry := m.Reactions[emoji]
	if entry.Users == nil {
		entry.Users = make(map[string]bool)
	}
	if entry.Users[user] {
		return
	}
	entry.Users[user] = true
	entry.Count++
	m.Reactions[emoji] = entry
}

// Unreact removes user from the contributor set for emoji, dropping the entry
// when it empties. Unknown emoji or user is a no-op.
func (m *Message) Unreact(emoji, user string) {
	entry, ok := m.Reactions[emoji]
	if !ok || !entry.Users[user] {
		return
	}
	delete(entry.Users, user)
	entry.Count--
	if entry.Count <= 0 {
		delete(m.Reactions, emoji)
		return
	}
	m.Reactions[emoji] = entry
}

// Reconcile replaces the local reaction state with the authoritative counts
// echoed by the backend. Local optimistic entries are eventually consistent,
// never authoritative.
func (m *Message) Reconcile(echo map[string]Reaction) {
	if len(echo) == 0 {
		m.Reactions = nil
		return
	}
	replaced := make(map[string]Reaction, len(echo))
	for emoji, entry := range echo {
		users := make(map[string]bool, len(entry.Users))
		for u, ok := range entry.Users {
			if ok {
				users[u] = true
			}
		}
		replaced[emoji] = Reaction{Count: entry.Count, Users: users}
	}
	m.Reactions = replaced
}
