package http

import (
	"net/http"

	"github.com/parleyhq/parley/internal/adapter/ws"
	"github.com/parleyhq/parley/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Sessions  *service.SessionService
	Approvals *service.ApprovalService
	Suggest   *service.SuggestService
	Meetings  *service.MeetingService
	Hub       *ws.Hub
}

// Healthz is the liveness probe.
func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
