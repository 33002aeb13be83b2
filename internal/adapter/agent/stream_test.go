package agent_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	portagent "github.com/parleyhq/parley/internal/port/agent"
)

// sseHandler writes each frame as one SSE data event and optionally drops
// the connection without finishing.
func sseHandler(t *testing.T, frames []string, dropAfter bool) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/stream" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("unexpected accept header: %q", accept)
		}

		var req portagent.TurnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode turn request: %v", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			_, _ = w.Write([]byte("data: " + f + "\n\n"))
			flusher.Flush()
		}
		if dropAfter {
			// Panic aborts the handler mid-stream, severing the connection.
			panic(http.ErrAbortHandler)
		}
	}
}

func collect(t *testing.T, s portagent.TurnStream) []string {
	t.Helper()
	var got []string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case frame, ok := <-s.Frames():
			if !ok {
				return got
			}
			got = append(got, string(frame))
		case <-deadline:
			t.Fatal("timed out draining stream")
		}
	}
}

func TestOpenTurnStreamsFrames(t *testing.T) {
	frames := []string{
		`{"type":"start","conversation_id":"c-1"}`,
		`{"type":"thinking","status":"planning"}`,
		`{"type":"response","message":"done thinking"}`,
		`{"type":"done"}`,
	}
	srv := httptest.NewServer(sseHandler(t, frames, false))
	defer srv.Close()

	stream, err := newTestClient(srv.URL).OpenTurn(context.Background(), portagent.TurnRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("OpenTurn failed: %v", err)
	}
	defer stream.Close()

	got := collect(t, stream)
	if len(got) != len(frames) {
		t.Fatalf("expected %d frames, got %d: %v", len(frames), len(got), got)
	}
	for i, want := range frames {
		if got[i] != want {
			t.Errorf("frame %d: got %s, want %s", i, got[i], want)
		}
	}
}

func TestOpenTurnRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"no capacity"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).OpenTurn(context.Background(), portagent.TurnRequest{Message: "hi"})
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestStreamDropSynthesizesErrorFrame(t *testing.T) {
	frames := []string{`{"type":"start","conversation_id":"c-2"}`}
	srv := httptest.NewServer(sseHandler(t, frames, true))
	defer srv.Close()

	stream, err := newTestClient(srv.URL).OpenTurn(context.Background(), portagent.TurnRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("OpenTurn failed: %v", err)
	}
	defer stream.Close()

	got := collect(t, stream)
	if len(got) < 2 {
		t.Fatalf("expected start plus synthetic error frame, got %v", got)
	}

	var last struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(got[len(got)-1]), &last); err != nil {
		t.Fatalf("unmarshal synthetic frame: %v", err)
	}
	if last.Type != "error" || last.Error == "" {
		t.Errorf("expected synthetic error frame, got %s", got[len(got)-1])
	}
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(`data: {"type":"start","conversation_id":"c-3"}` + "\n\n"))
		w.(http.Flusher).Flush()
		<-gate // hold the stream open until the test finishes
	}))
	defer srv.Close()
	defer close(gate)

	stream, err := newTestClient(srv.URL).OpenTurn(context.Background(), portagent.TurnRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("OpenTurn failed: %v", err)
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	// The frame channel must close after Close, without a synthetic error
	// frame for a local shutdown.
	for frame := range stream.Frames() {
		var f struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(frame, &f)
		if f.Type == "error" {
			t.Errorf("local Close should not synthesize an error frame, got %s", frame)
		}
	}
}

func TestOpenTurnSendsConversationID(t *testing.T) {
	var got portagent.TurnRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"type\":\"done\"}\n\n"))
	}))
	defer srv.Close()

	stream, err := newTestClient(srv.URL).OpenTurn(context.Background(), portagent.TurnRequest{
		Message:        "again",
		ConversationID: "up-9",
		TWGID:          "twg-1",
	})
	if err != nil {
		t.Fatalf("OpenTurn failed: %v", err)
	}
	collect(t, stream)

	if got.ConversationID != "up-9" || got.TWGID != "twg-1" {
		t.Errorf("turn request not forwarded: %+v", got)
	}
}
