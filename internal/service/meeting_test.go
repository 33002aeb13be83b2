package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/adapter/ws"
	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/domain/meeting"
	"github.com/parleyhq/parley/internal/port/transcript"
)

// fakeSocket implements transcript.Socket with test-controlled frames.
type fakeSocket struct {
	frames    chan json.RawMessage
	closeOnce sync.Once

	mu     sync.Mutex
	sent   []any
	closed bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{frames: make(chan json.RawMessage, 16)}
}

func (f *fakeSocket) push(raw string) { f.frames <- json.RawMessage(raw) }

func (f *fakeSocket) Frames() <-chan json.RawMessage { return f.frames }

func (f *fakeSocket) Send(_ context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeSocket) Close() error {
	f.closeOnce.Do(func() { close(f.frames) })
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSocket) sentCommands() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent...)
}

// fakeDialer implements transcript.Dialer, minting one socket per dial.
type fakeDialer struct {
	mu      sync.Mutex
	err     error
	dials   int
	sockets []*fakeSocket
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (transcript.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	sock := newFakeSocket()
	d.sockets = append(d.sockets, sock)
	return sock, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[i]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// recvFrame reads one frame from a subscription with a deadline.
func recvFrame(t *testing.T, sub *Subscription) json.RawMessage {
	t.Helper()
	select {
	case raw, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return raw
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a meeting frame")
		return nil
	}
}

func TestMeetingService_AttachSharesOneSocket(t *testing.T) {
	dialer := &fakeDialer{}
	svc := NewMeetingService(dialer, &recordingHub{})

	_, sub1, err := svc.Attach(context.Background(), "m1")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer sub1.Close()

	_, sub2, err := svc.Attach(context.Background(), "m1")
	if err != nil {
		t.Fatalf("second attach: %v", err)
	}
	defer sub2.Close()

	if dialer.dialCount() != 1 {
		t.Errorf("consumers of one session must share a socket, got %d dials", dialer.dialCount())
	}

	_, sub3, err := svc.Attach(context.Background(), "m2")
	if err != nil {
		t.Fatalf("attach other session: %v", err)
	}
	defer sub3.Close()

	if dialer.dialCount() != 2 {
		t.Errorf("a distinct session needs its own socket, got %d dials", dialer.dialCount())
	}
}

func TestMeetingService_AttachValidates(t *testing.T) {
	t.Parallel()
	svc := NewMeetingService(&fakeDialer{}, &recordingHub{})

	if _, _, err := svc.Attach(context.Background(), ""); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for an empty session id, got %v", err)
	}
}

func TestMeetingService_AttachDialFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	svc := NewMeetingService(dialer, &recordingHub{})

	if _, _, err := svc.Attach(context.Background(), "m1"); err == nil {
		t.Fatal("expected the dial failure to surface")
	}

	// A failed dial leaves nothing behind; the next attach dials again.
	dialer.mu.Lock()
	dialer.err = nil
	dialer.mu.Unlock()

	_, sub, err := svc.Attach(context.Background(), "m1")
	if err != nil {
		t.Fatalf("attach after failure: %v", err)
	}
	sub.Close()
}

func TestMeetingService_SnapshotThenLiveFrames(t *testing.T) {
	dialer := &fakeDialer{}
	hub := &recordingHub{}
	svc := NewMeetingService(dialer, hub)

	snap, sub, err := svc.Attach(context.Background(), "m1")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer sub.Close()
	if len(snap.Transcript) != 0 {
		t.Fatalf("fresh meeting must start empty, got %+v", snap.Transcript)
	}

	sock := dialer.socket(0)
	sock.push(`{"type":"transcript","speaker":"ana","text":"hello every","final":false}`)
	sock.push(`{"type":"transcript","speaker":"ana","text":"hello everyone","final":true}`)
	sock.push(`{"type":"live_meeting_update","status":"active","participants":["ana","ben"]}`)

	for i := 0; i < 3; i++ {
		recvFrame(t, sub)
	}

	state, err := svc.Snapshot("m1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(state.Transcript) != 1 {
		t.Fatalf("the interim segment must be rewritten in place, got %d segments", len(state.Transcript))
	}
	if state.Transcript[0].Text != "hello everyone" || !state.Transcript[0].Final {
		t.Errorf("unexpected segment: %+v", state.Transcript[0])
	}
	if state.Status != "active" || len(state.Participants) != 2 {
		t.Errorf("live update not folded: %+v", state)
	}

	// Interim rewrites stay off the hub; the final segment is mirrored.
	waitFor(t, "transcript mirror", func() bool {
		return len(hub.byType("meeting.transcript")) >= 1
	})
	if got := hub.byType("meeting.transcript"); len(got) != 1 {
		t.Errorf("expected only the final segment mirrored, got %d events", len(got))
	}
	waitFor(t, "live update mirror", func() bool {
		return len(hub.byType("meeting.update")) >= 1
	})
}

func TestMeetingService_MalformedFrameDropped(t *testing.T) {
	dialer := &fakeDialer{}
	svc := NewMeetingService(dialer, &recordingHub{})

	_, sub, err := svc.Attach(context.Background(), "m1")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer sub.Close()

	sock := dialer.socket(0)
	sock.push(`not even json`)
	sock.push(`{"type":"mystery"}`)
	sock.push(`{"type":"transcript","speaker":"ana","text":"still here","final":true}`)

	raw := recvFrame(t, sub)
	var f meeting.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal relayed frame: %v", err)
	}
	if f.Type != meeting.FrameTranscript || f.Text != "still here" {
		t.Fatalf("corrupt frames must be dropped, got %+v", f)
	}

	state, _ := svc.Snapshot("m1")
	if len(state.Transcript) != 1 {
		t.Errorf("corrupt frames must not fold into state, got %+v", state.Transcript)
	}
}

func TestMeetingService_CommandRelays(t *testing.T) {
	dialer := &fakeDialer{}
	svc := NewMeetingService(dialer, &recordingHub{})

	_, sub, err := svc.Attach(context.Background(), "m1")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer sub.Close()

	cmd := meeting.Command{Command: "mark_agenda", Args: map[string]string{"item": "a1"}}
	if err := svc.Command(context.Background(), "m1", cmd); err != nil {
		t.Fatalf("command: %v", err)
	}

	sent := dialer.socket(0).sentCommands()
	if len(sent) != 1 {
		t.Fatalf("expected one relayed command, got %d", len(sent))
	}
	if got, ok := sent[0].(meeting.Command); !ok || got.Command != "mark_agenda" {
		t.Errorf("unexpected command: %+v", sent[0])
	}

	if err := svc.Command(context.Background(), "m1", meeting.Command{}); !errors.Is(err, domain.ErrInvalid) {
		t.Errorf("expected ErrInvalid for an empty command, got %v", err)
	}
	if err := svc.Command(context.Background(), "ghost", cmd); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound for an unattached session, got %v", err)
	}
}

func TestMeetingService_LastDetachClosesSocket(t *testing.T) {
	dialer := &fakeDialer{}
	svc := NewMeetingService(dialer, &recordingHub{})

	_, sub1, err := svc.Attach(context.Background(), "m1")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	_, sub2, err := svc.Attach(context.Background(), "m1")
	if err != nil {
		t.Fatalf("second attach: %v", err)
	}

	sock := dialer.socket(0)

	sub1.Close()
	sub1.Close() // closing twice is safe
	if sock.isClosed() {
		t.Fatal("the socket must stay open while a consumer remains")
	}

	sub2.Close()
	waitFor(t, "socket close", sock.isClosed)

	// The pump retires the session; the next attach dials anew.
	waitFor(t, "session retirement", func() bool {
		_, err := svc.Snapshot("m1")
		return errors.Is(err, domain.ErrNotFound)
	})
	_, sub3, err := svc.Attach(context.Background(), "m1")
	if err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	defer sub3.Close()
	if dialer.dialCount() != 2 {
		t.Errorf("a retired session must be redialed, got %d dials", dialer.dialCount())
	}
}

func TestMeetingService_UpstreamCloseEndsSubscriptions(t *testing.T) {
	dialer := &fakeDialer{}
	hub := &recordingHub{}
	svc := NewMeetingService(dialer, hub)

	_, sub, err := svc.Attach(context.Background(), "m1")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	dialer.socket(0).Close()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("expected the subscription channel to close, got a frame")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the subscription to close")
	}

	waitFor(t, "disconnect broadcast", func() bool {
		for _, e := range hub.byType("meeting.update") {
			if u, ok := e.Payload.(ws.MeetingUpdateEvent); ok && u.Status == "disconnected" {
				return true
			}
		}
		return false
	})

	// Closing the dead subscription afterwards must not panic.
	sub.Close()

	if _, err := svc.Snapshot("m1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected the session retired, got %v", err)
	}
}
