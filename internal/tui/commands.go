package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/parleyhq/parley/internal/domain/approval"
	"github.com/parleyhq/parley/internal/service"
)

// turnStartedMsg carries the turn handle returned by Send.
type turnStartedMsg struct {
	turn *service.Turn
}

// turnEventMsg is one dispatched turn update; ok is false once the turn's
// channel has closed. turn identifies the source so that a cancelled turn's
// trailing events cannot touch a newer one.
type turnEventMsg struct {
	turn   *service.Turn
	update service.Update
	ok     bool
}

// suggestMsg is one delivered autocomplete result.
type suggestMsg service.Result

// approvalDoneMsg is the outcome of an approve or decline attempt.
type approvalDoneMsg struct {
	req approval.Request
	err error
}

// sendFailedMsg reports a turn that could not be opened.
type sendFailedMsg struct {
	err error
}

func sendTurn(svc *service.SessionService, conversationID, text string) tea.Cmd {
	return func() tea.Msg {
		turn, err := svc.Send(context.Background(), conversationID, text, "")
		if err != nil {
			return sendFailedMsg{err: err}
		}
		return turnStartedMsg{turn: turn}
	}
}

// waitTurn blocks for the next turn update. Re-armed after every delivery,
// one outstanding read at a time, so updates keep their arrival order.
func waitTurn(t *service.Turn) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-t.Updates()
		return turnEventMsg{turn: t, update: u, ok: ok}
	}
}

// waitSuggest blocks for the next autocomplete result.
func waitSuggest(ch <-chan service.Result) tea.Cmd {
	return func() tea.Msg {
		r, ok := <-ch
		if !ok {
			return nil
		}
		return suggestMsg(r)
	}
}

func approve(svc *service.ApprovalService, requestID string) tea.Cmd {
	return func() tea.Msg {
		req, err := svc.Approve(context.Background(), requestID, nil)
		return approvalDoneMsg{req: req, err: err}
	}
}

func decline(svc *service.ApprovalService, requestID string) tea.Cmd {
	return func() tea.Msg {
		req, err := svc.Decline(context.Background(), requestID, "")
		return approvalDoneMsg{req: req, err: err}
	}
}
