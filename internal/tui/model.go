// Package tui is the terminal chat client: a composer with trigger
// autocomplete, a streaming transcript view, and inline approval prompts. It
// drives the same services the browser surface does, so a terminal session
// exercises the full turn pipeline without a browser attached.
package tui

import (
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/parleyhq/parley/internal/domain/approval"
	"github.com/parleyhq/parley/internal/domain/trigger"
	"github.com/parleyhq/parley/internal/service"
)

// mode is the composer's input focus.
type mode int

const (
	modeCompose  mode = iota
	modeApproval      // an interrupt waits for approve / decline / edit
	modeEdit          // editing one draft field
)

// Model is the bubbletea model for the chat client.
type Model struct {
	sessions  *service.SessionService
	approvals *service.ApprovalService
	watcher   *service.Watcher

	conversationID string
	turn           *service.Turn
	streaming      bool
	thinking       string
	status         string

	suggestCh chan service.Result
	match     *trigger.Match
	selector  trigger.Selector

	pending    *approval.Request
	deciding   bool
	editFields []string
	editIndex  int

	transcript []string

	mode      mode
	input     textinput.Model
	editInput textinput.Model
	view      viewport.Model
	spin      spinner.Model

	width  int
	height int
	ready  bool
}

// New builds the chat model over live services.
func New(sessions *service.SessionService, approvals *service.ApprovalService, suggest *service.SuggestService) Model {
	input := textinput.New()
	input.Placeholder = "message parley · / commands · @ mentions"
	input.Prompt = "> "
	input.CharLimit = 4000
	input.Focus()

	editInput := textinput.New()
	editInput.Prompt = "… "
	editInput.CharLimit = 4000

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))

	return Model{
		sessions:  sessions,
		approvals: approvals,
		watcher:   service.NewWatcher(suggest),
		suggestCh: make(chan service.Result, 8),
		status:    "ready",
		input:     input,
		editInput: editInput,
		spin:      sp,
	}
}

// Init starts the blink, the spinner, and the suggestion listener.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spin.Tick, waitSuggest(m.suggestCh))
}
