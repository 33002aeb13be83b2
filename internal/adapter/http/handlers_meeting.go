package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/internal/domain/meeting"
)

// errMeetingOver signals a clean upstream end of the meeting, as opposed to a
// relay failure.
var errMeetingOver = errors.New("meeting stream ended")

// meetingSnapshot is the first frame of every meeting relay: the state folded
// so far. Live frames follow in arrival order, so a consumer that replays the
// snapshot and then the stream sees every frame exactly once.
type meetingSnapshot struct {
	Type    string           `json:"type"`
	Meeting *meeting.Meeting `json:"meeting"`
}

// MeetingWS handles GET /api/v1/meetings/{session}/ws: a symmetric websocket
// relay onto the shared meeting socket. Inbound browser frames are meeting
// commands; outbound frames are the upstream taxonomy re-emitted. Either
// side's failure tears down both directions.
func (h *Handlers) MeetingWS(w http.ResponseWriter, r *http.Request) {
	sessionID := urlParam(r, "session")

	snap, sub, err := h.Meetings.Attach(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer sub.Close()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Warn("meeting websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "relay closed")

	g, ctx := errgroup.WithContext(r.Context())

	// Downstream: snapshot first, then live frames.
	g.Go(func() error {
		first, err := json.Marshal(meetingSnapshot{Type: "snapshot", Meeting: snap})
		if err != nil {
			return err
		}
		if err := c.Write(ctx, websocket.MessageText, first); err != nil {
			return err
		}
		for {
			select {
			case raw, open := <-sub.C:
				if !open {
					return errMeetingOver
				}
				if err := c.Write(ctx, websocket.MessageText, raw); err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	// Upstream: browser command frames relayed to the meeting socket.
	g.Go(func() error {
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return err
			}
			var cmd meeting.Command
			if err := json.Unmarshal(data, &cmd); err != nil || cmd.Command == "" {
				slog.Warn("dropping malformed meeting command", "session_id", sessionID)
				continue
			}
			if err := h.Meetings.Command(ctx, sessionID, cmd); err != nil {
				slog.Warn("meeting command not relayed", "session_id", sessionID, "error", err)
			}
		}
	})

	if err := g.Wait(); errors.Is(err, errMeetingOver) {
		c.Close(websocket.StatusNormalClosure, "meeting ended")
	} else {
		slog.Debug("meeting relay closed", "session_id", sessionID, "reason", err)
	}
}
