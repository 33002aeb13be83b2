package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned by Classify for frames that cannot be mapped onto
// the event taxonomy. Callers log and drop such frames; one corrupt frame
// must never abort a turn.
var ErrMalformed = errors.New("malformed stream frame")

// frame is the raw wire shape shared by every frame type. Fields not
// belonging to the tagged type are simply absent.
type frame struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Status         string          `json:"status"`
	Name           string          `json:"name"`
	Message        json.RawMessage `json:"message"`
	Payload        *Interrupt      `json:"payload"`
	Error          json.RawMessage `json:"error"`
}

// Classify parses one raw transport frame into an Event. Malformed payloads
// and unknown type tags yield an error wrapping ErrMalformed.
func Classify(raw []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch Kind(f.Type) {
	case KindStart:
		return Event{Kind: KindStart, ConversationID: f.ConversationID}, nil

	case KindThinking:
		return Event{Kind: KindThinking, Status: f.Status}, nil

	case KindTool:
		return Event{Kind: KindTool, Tool: f.Name}, nil

	case KindResponse:
		resp, err := decodeResponse(f.Message)
		if err != nil {
			return Event{}, fmt.Errorf("%w: response message: %v", ErrMalformed, err)
		}
		return Event{Kind: KindResponse, Response: resp}, nil

	case KindInterrupt:
		if f.Payload == nil {
			return Event{}, fmt.Errorf("%w: interrupt without payload", ErrMalformed)
		}
		if f.Payload.RequestID == "" {
			return Event{}, fmt.Errorf("%w: interrupt without request_id", ErrMalformed)
		}
		return Event{Kind: KindInterrupt, Interrupt: f.Payload}, nil

	case KindError:
		return Event{Kind: KindError, Err: flexString(f.Error)}, nil

	case KindDone:
		return Event{Kind: KindDone}, nil

	default:
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, f.Type)
	}
}

// decodeResponse handles the two wire forms of the response message: a bare
// JSON string, or an object with content, citations and followups.
func decodeResponse(raw json.RawMessage) (*Response, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return &Response{}, nil
	}

	if trimmed[0] == '{' {
		var resp Response
		if err := json.Unmarshal(trimmed, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	}

	var content string
	if err := json.Unmarshal(trimmed, &content); err != nil {
		return nil, err
	}
	return &Response{Content: content}, nil
}

// flexString decodes a wire field that is usually a JSON string but has been
// observed as a bare object from older backends. Non-string values are kept
// as their raw JSON text.
func flexString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	return string(trimmed)
}
