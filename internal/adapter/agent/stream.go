package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/parleyhq/parley/internal/port/agent"
)

// maxFrameSize bounds a single SSE frame. Response frames carry full message
// bodies with citations, so the scanner buffer is generous.
const maxFrameSize = 1 << 20 // 1 MB

// OpenTurn posts the message to the chat stream endpoint and returns the
// live frame stream. The returned stream ends when the upstream closes the
// connection, the context is cancelled, or Close is called.
func (c *Client) OpenTurn(ctx context.Context, req agent.TurnRequest) (agent.TurnStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal turn request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create turn request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.authorize(httpReq)

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open turn: %w", err)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("assistant service error %d: %s", resp.StatusCode, string(data))
	}

	ts := &turnStream{
		frames: make(chan json.RawMessage, 16),
		body:   resp.Body,
		cancel: cancel,
		ctx:    ctx,
	}
	go ts.pump()
	return ts, nil
}

// turnStream reads SSE frames off one chat response body.
type turnStream struct {
	frames chan json.RawMessage
	body   io.ReadCloser
	cancel context.CancelFunc
	ctx    context.Context
	once   sync.Once
}

func (t *turnStream) Frames() <-chan json.RawMessage {
	return t.frames
}

// Close aborts the stream. The frame channel is closed by the pump once the
// read loop unwinds. Safe to call more than once.
func (t *turnStream) Close() error {
	t.once.Do(func() {
		t.cancel()
		_ = t.body.Close()
	})
	return nil
}

// pump scans the SSE body line by line, assembling data fields into frames.
// A read failure that was not caused by a local Close surfaces as one final
// synthetic error frame so the dispatcher can settle the turn.
func (t *turnStream) pump() {
	defer close(t.frames)
	defer func() { _ = t.body.Close() }()

	scanner := bufio.NewScanner(t.body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var data bytes.Buffer
	flush := func() bool {
		if data.Len() == 0 {
			return true
		}
		frame := make(json.RawMessage, data.Len())
		copy(frame, data.Bytes())
		data.Reset()
		return t.emit(frame)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:/id:/retry: fields and comments carry nothing here.
		}
	}
	if !flush() {
		return
	}

	if err := scanner.Err(); err != nil && t.ctx.Err() == nil {
		synthetic, _ := json.Marshal(map[string]string{
			"type":  "error",
			"error": "stream aborted: " + err.Error(),
		})
		t.emit(synthetic)
	}
}

// emit delivers one frame, giving up when the stream is locally closed.
func (t *turnStream) emit(frame json.RawMessage) bool {
	select {
	case t.frames <- frame:
		return true
	case <-t.ctx.Done():
		return false
	}
}
