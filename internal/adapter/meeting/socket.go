// Package meeting dials the assistant service's live transcript socket.
package meeting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/port/transcript"
)

// maxTranscriptFrame bounds one inbound frame. Agenda updates carry whole
// item lists, so the limit is roomy.
const maxTranscriptFrame = 1 << 20 // 1 MB

// TokenSource supplies the current socket token on every dial.
type TokenSource func() string

// Dialer opens transcript sockets keyed by meeting session id. It never
// reconnects on its own; the owner redials on the next attach.
type Dialer struct {
	socketURL string
	token     TokenSource
	dialTime  time.Duration
}

var _ transcript.Dialer = (*Dialer)(nil)

// NewDialer creates a transcript socket dialer. token may be nil when the
// socket requires no authentication.
func NewDialer(cfg config.Meeting, token TokenSource) *Dialer {
	return &Dialer{
		socketURL: cfg.SocketURL,
		token:     token,
		dialTime:  cfg.DialTime,
	}
}

// Dial connects to the transcript stream for one meeting session. The
// session id and token travel as query parameters.
func (d *Dialer) Dial(ctx context.Context, sessionID string) (transcript.Socket, error) {
	u, err := url.Parse(d.socketURL)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	q.Set("session", sessionID)
	if d.token != nil {
		if tok := d.token(); tok != "" {
			q.Set("token", tok)
		}
	}
	u.RawQuery = q.Encode()

	dialCtx := ctx
	if d.dialTime > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.dialTime)
		defer cancel()
	}

	conn, _, err := websocket.Dial(dialCtx, u.String(), nil) //nolint:bodyclose // coder/websocket owns the response body
	if err != nil {
		return nil, fmt.Errorf("dial transcript socket: %w", err)
	}
	conn.SetReadLimit(maxTranscriptFrame)

	readCtx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		conn:    conn,
		frames:  make(chan json.RawMessage, 16),
		cancel:  cancel,
		session: sessionID,
	}
	go s.readLoop(readCtx)

	slog.Info("transcript socket connected", "session", sessionID)
	return s, nil
}

// Socket is one open transcript connection.
type Socket struct {
	conn    *websocket.Conn
	frames  chan json.RawMessage
	cancel  context.CancelFunc
	session string
	once    sync.Once
}

// Frames yields inbound frames in arrival order. The channel closes when the
// connection drops or Close is called.
func (s *Socket) Frames() <-chan json.RawMessage {
	return s.frames
}

// Send marshals v and writes it as one text frame.
func (s *Socket) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal socket command: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write socket command: %w", err)
	}
	return nil
}

// Close tears the connection down. Safe to call more than once.
func (s *Socket) Close() error {
	s.once.Do(func() {
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "detached")
		slog.Info("transcript socket closed", "session", s.session)
	})
	return nil
}

func (s *Socket) readLoop(ctx context.Context) {
	defer close(s.frames)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("transcript socket read failed", "session", s.session, "error", err)
			}
			return
		}
		select {
		case s.frames <- data:
		case <-ctx.Done():
			return
		}
	}
}
