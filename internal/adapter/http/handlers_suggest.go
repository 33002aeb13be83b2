package http

import (
	"net/http"

	"github.com/parleyhq/parley/internal/domain/trigger"
)

// CommandAutocomplete handles GET /api/v1/commands/autocomplete?query=/partial.
func (h *Handlers) CommandAutocomplete(w http.ResponseWriter, r *http.Request) {
	h.autocomplete(w, r, trigger.KindCommand)
}

// MentionAutocomplete handles GET /api/v1/mentions/autocomplete?query=@partial.
func (h *Handlers) MentionAutocomplete(w http.ResponseWriter, r *http.Request) {
	h.autocomplete(w, r, trigger.KindMention)
}

func (h *Handlers) autocomplete(w http.ResponseWriter, r *http.Request, kind trigger.Kind) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "query too long")
		return
	}

	suggestions := h.Suggest.Lookup(r.Context(), kind, query)
	if suggestions == nil {
		suggestions = []trigger.Suggestion{}
	}
	writeJSON(w, http.StatusOK, suggestions)
}
