// Package meeting models the live state of one meeting session as folded
// from transcript-socket frames: the rolling transcript, the agenda, and the
// meeting status. Session-scoped and in-memory only.
package meeting

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FrameType tags an inbound transcript-socket frame.
type FrameType string

const (
	FrameTranscript FrameType = "transcript"
	FrameLiveUpdate FrameType = "live_meeting_update"
	FrameAgenda     FrameType = "agenda_update"
	FrameError      FrameType = "error"
)

// ErrMalformed is returned by Classify for frames outside the taxonomy.
var ErrMalformed = errors.New("malformed meeting frame")

// Frame is one classified transcript-socket frame, a tagged union over Type.
type Frame struct {
	Type FrameType `json:"type"`

	// transcript
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text,omitempty"`
	Final   bool   `json:"final,omitempty"`

	// live_meeting_update
	Status       string   `json:"status,omitempty"`
	Participants []string `json:"participants,omitempty"`

	// agenda_update
	Items []AgendaItem `json:"items,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// Classify parses one raw socket frame. Unknown type tags and malformed
// payloads yield an error wrapping ErrMalformed; callers log and drop.
func Classify(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch f.Type {
	case FrameTranscript, FrameLiveUpdate, FrameAgenda, FrameError:
		return f, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, f.Type)
	}
}

// Segment is one transcript utterance. Interim segments (Final == false) are
// rewritten in place by the next frame from the live captioner; final
// segments are append-only.
type Segment struct {
	Speaker string    `json:"speaker,omitempty"`
	Text    string    `json:"text"`
	Final   bool      `json:"final"`
	At      time.Time `json:"at"`
}

// AgendaItem is one agenda entry, replaced wholesale on each agenda_update.
type AgendaItem struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Done  bool   `json:"done,omitempty"`
}

// Meeting is the folded state of one meeting session.
type Meeting struct {
	SessionID    string       `json:"session_id"`
	Status       string       `json:"status,omitempty"`
	Participants []string     `json:"participants,omitempty"`
	Transcript   []Segment    `json:"transcript"`
	Agenda       []AgendaItem `json:"agenda,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// New creates an empty meeting for a session.
func New(sessionID string) *Meeting {
	now := time.Now().UTC()
	return &Meeting{
		SessionID: sessionID,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of the meeting state, safe to hand to consumers
// while frames keep folding in.
func (m *Meeting) Clone() *Meeting {
	c := *m
	if m.Participants != nil {
		c.Participants = append([]string(nil), m.Participants...)
	}
	if m.Transcript != nil {
		c.Transcript = append([]Segment(nil), m.Transcript...)
	}
	if m.Agenda != nil {
		c.Agenda = append([]AgendaItem(nil), m.Agenda...)
	}
	return &c
}

// Apply folds one frame into the meeting state. Error frames update the
// status only; terminating the channel is the owner's call, not the fold's.
func (m *Meeting) Apply(f Frame) {
	switch f.Type {
	case FrameTranscript:
		m.applyTranscript(f)
	case FrameLiveUpdate:
		if f.Status != "" {
			m.Status = f.Status
		}
		if f.Participants != nil {
			m.Participants = f.Participants
		}
	case FrameAgenda:
		m.Agenda = f.Items
	case FrameError:
		m.Status = "error"
	}
	m.UpdatedAt = time.Now().UTC()
}

func (m *Meeting) applyTranscript(f Frame) {
	seg := Segment{
		Speaker: f.Speaker,
		Text:    f.Text,
		Final:   f.Final,
		At:      time.Now().UTC(),
	}
	if n := len(m.Transcript); n > 0 && !m.Transcript[n-1].Final {
		// The captioner rewrites its interim segment until it finalizes.
		m.Transcript[n-1] = seg
		return
	}
	m.Transcript = append(m.Transcript, seg)
}

// Command is an outbound socket frame: a small JSON instruction to the
// transcript backend.
type Command struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}
