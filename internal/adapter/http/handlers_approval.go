package http

import (
	"net/http"
)

// GetApproval handles GET /api/v1/approvals/{id}, fetching from the assistant
// service when the request is not registered locally.
func (h *Handlers) GetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := h.Approvals.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ApproveApproval handles POST /api/v1/approvals/{id}/approve. Modifications
// override the draft's edited fields when given; otherwise locally saved edits
// apply. The response is the request after the attempt: approved on success,
// proposed with a failure message when the backend refused.
func (h *Handlers) ApproveApproval(w http.ResponseWriter, r *http.Request) {
	type approveRequest struct {
		Modifications map[string]string `json:"modifications,omitempty"`
	}
	body, ok := readOptionalJSON[approveRequest](w, r)
	if !ok {
		return
	}

	req, err := h.Approvals.Approve(r.Context(), urlParam(r, "id"), body.Modifications)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// DeclineApproval handles POST /api/v1/approvals/{id}/decline.
func (h *Handlers) DeclineApproval(w http.ResponseWriter, r *http.Request) {
	type declineRequest struct {
		Reason string `json:"reason,omitempty"`
	}
	body, ok := readOptionalJSON[declineRequest](w, r)
	if !ok {
		return
	}

	req, err := h.Approvals.Decline(r.Context(), urlParam(r, "id"), body.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
