package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parleyhq/parley/internal/middleware"
)

// MountRoutes registers the browser-facing API on the given chi router.
// The rate limiter fronts only the autocomplete routes (hit on every
// keystroke); the idempotency layer fronts only approve and decline, the two
// calls a double click must not run twice.
func MountRoutes(r chi.Router, h *Handlers, rl *middleware.RateLimiter, idem func(http.Handler) http.Handler) {
	r.Get("/healthz", h.Healthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Conversations
		r.Post("/conversations/send", h.SendConversation)
		r.Get("/conversations/{id}", h.GetConversation)
		r.Post("/conversations/{id}/cancel", h.CancelConversation)
		r.Delete("/conversations/{id}", h.ClearConversation)
		r.Post("/conversations/{id}/messages/{msgID}/reactions", h.ToggleReaction)

		// Approvals
		r.Get("/approvals/{id}", h.GetApproval)
		r.With(idem).Post("/approvals/{id}/approve", h.ApproveApproval)
		r.With(idem).Post("/approvals/{id}/decline", h.DeclineApproval)

		// Autocomplete
		r.With(rl.Handler).Get("/commands/autocomplete", h.CommandAutocomplete)
		r.With(rl.Handler).Get("/mentions/autocomplete", h.MentionAutocomplete)

		// Live channels
		r.Get("/ws", h.Hub.HandleWS)
		r.Get("/meetings/{session}/ws", h.MeetingWS)
	})
}
