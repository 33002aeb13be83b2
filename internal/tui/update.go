package tui

import (
	"context"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/parleyhq/parley/internal/domain/approval"
	"github.com/parleyhq/parley/internal/domain/conversation"
	"github.com/parleyhq/parley/internal/domain/stream"
	"github.com/parleyhq/parley/internal/domain/trigger"
	"github.com/parleyhq/parley/internal/service"
)

// Update is the event loop: turn updates, suggestion results and keys all
// land here. Long operations never run inline; they arrive as messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		cmds = append(cmds, cmd)

	case turnStartedMsg:
		m.turn = msg.turn
		m.conversationID = msg.turn.ConversationID
		m.streaming = true
		m.status = "streaming"
		cmds = append(cmds, waitTurn(msg.turn))

	case turnEventMsg:
		if msg.turn != m.turn {
			break // trailing event of a cancelled turn
		}
		if !msg.ok {
			m.turn = nil
			m.streaming = false
			m.thinking = ""
			if m.mode == modeCompose {
				m.status = "ready"
			}
			break
		}
		m.applyTurnEvent(msg.update)
		if m.turn != nil {
			cmds = append(cmds, waitTurn(m.turn))
		}

	case suggestMsg:
		cmds = append(cmds, waitSuggest(m.suggestCh))
		// Only the newest issued lookup may apply: a stale response must
		// never overwrite a newer query's list.
		if msg.Seq != m.watcher.Current() {
			break
		}
		if m.match == nil || msg.Token != m.match.Token() {
			break
		}
		if len(msg.Suggestions) == 0 {
			m.selector.Clear()
			break
		}
		m.selector.Set(msg.Suggestions)

	case approvalDoneMsg:
		m.deciding = false
		m.applyApprovalOutcome(msg)

	case sendFailedMsg:
		m.streaming = false
		m.status = "send failed"
		m.appendLine(errStyle.Render("! " + msg.err.Error()))
		m.renderTranscript()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		if m.turn != nil {
			m.turn.Cancel()
		}
		return m, tea.Quit
	}

	switch m.mode {
	case modeApproval:
		return m.handleApprovalKey(msg)
	case modeEdit:
		return m.handleEditKey(msg)
	default:
		return m.handleComposeKey(msg)
	}
}

func (m Model) handleComposeKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		if m.match != nil || m.selector.Active() {
			m.dismissSuggestions()
			return m, nil
		}
		if m.turn != nil {
			m.turn.Cancel()
			m.turn = nil
			m.streaming = false
			m.thinking = ""
			m.status = "turn cancelled"
			m.appendLine(dimStyle.Render("· turn cancelled"))
			m.renderTranscript()
		}
		return m, nil

	case "up":
		if m.selector.Active() {
			m.selector.Prev()
			return m, nil
		}
		var cmd tea.Cmd
		m.view, cmd = m.view.Update(msg)
		return m, cmd

	case "down":
		if m.selector.Active() {
			m.selector.Next()
			return m, nil
		}
		var cmd tea.Cmd
		m.view, cmd = m.view.Update(msg)
		return m, cmd

	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.view, cmd = m.view.Update(msg)
		return m, cmd

	case "tab":
		m.commitSuggestion()
		return m, nil

	case "enter":
		if m.selector.Active() {
			m.commitSuggestion()
			return m, nil
		}
		return m.submit()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.refreshTrigger()
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}
	if m.streaming {
		m.status = "a turn is already streaming · esc cancels it"
		return m, nil
	}

	m.appendLine(youStyle.Render("you ") + text)
	m.renderTranscript()
	m.input.SetValue("")
	m.dismissSuggestions()
	m.streaming = true
	m.status = "opening turn"
	return m, sendTurn(m.sessions, m.conversationID, text)
}

func (m Model) handleApprovalKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.pending == nil {
		m.mode = modeCompose
		return m, nil
	}
	if m.deciding {
		return m, nil
	}

	switch msg.String() {
	case "a", "y":
		m.deciding = true
		m.status = "approving"
		return m, approve(m.approvals, m.pending.ID)
	case "d", "n":
		m.deciding = true
		m.status = "declining"
		return m, decline(m.approvals, m.pending.ID)
	case "e":
		return m.startEditing()
	}
	return m, nil
}

func (m Model) startEditing() (tea.Model, tea.Cmd) {
	if err := m.approvals.StartEdit(m.pending.ID); err != nil {
		m.status = err.Error()
		return m, nil
	}
	snap, ok := m.approvals.Peek(m.pending.ID)
	if !ok {
		m.status = "approval request vanished"
		m.pending = nil
		m.mode = modeCompose
		return m, nil
	}

	fields := make([]string, 0, len(snap.Draft.Fields))
	for k := range snap.Draft.Fields {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	if len(fields) == 0 {
		_ = m.approvals.CancelEdit(m.pending.ID)
		m.status = "this draft has no editable fields"
		return m, nil
	}

	m.editFields = fields
	m.editIndex = 0
	m.mode = modeEdit
	m.primeEditInput()
	return m, textinput.Blink
}

func (m Model) handleEditKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		if err := m.approvals.CancelEdit(m.pending.ID); err != nil {
			m.status = err.Error()
		} else {
			m.status = "edit discarded"
		}
		m.exitEditing()
		return m, nil

	case "enter":
		field := m.editFields[m.editIndex]
		if err := m.approvals.SetField(m.pending.ID, field, m.editInput.Value()); err != nil {
			m.status = err.Error()
			m.exitEditing()
			return m, nil
		}
		if m.editIndex+1 < len(m.editFields) {
			m.editIndex++
			m.primeEditInput()
			return m, nil
		}
		if err := m.approvals.SaveEdit(m.pending.ID); err != nil {
			m.status = err.Error()
		} else {
			m.status = "draft updated · a approves the edited draft"
		}
		m.exitEditing()
		return m, nil
	}

	var cmd tea.Cmd
	m.editInput, cmd = m.editInput.Update(msg)
	return m, cmd
}

// refreshTrigger re-detects the trigger under the cursor after every edit to
// the composer text.
func (m *Model) refreshTrigger() {
	match, ok := trigger.Detect(m.input.Value(), m.input.Position())
	if !ok {
		m.dismissSuggestions()
		return
	}
	if m.match != nil && *m.match == match {
		return
	}
	m.match = &match
	m.selector.Clear()
	m.watcher.Lookup(context.Background(), match.Kind, match.Token(), m.suggestCh)
}

func (m *Model) commitSuggestion() {
	cur, ok := m.selector.Current()
	if !ok || m.match == nil {
		return
	}
	text, cursor := trigger.Splice(m.input.Value(), *m.match, cur.Value)
	m.input.SetValue(text)
	m.input.SetCursor(cursor)
	m.dismissSuggestions()
}

func (m *Model) dismissSuggestions() {
	if m.match == nil && !m.selector.Active() {
		return
	}
	m.match = nil
	m.selector.Clear()
	m.watcher.Dismiss()
}

func (m *Model) applyTurnEvent(u service.Update) {
	switch u.Event.Kind {
	case stream.KindStart:
		m.status = "streaming"
	case stream.KindThinking:
		m.thinking = u.Event.Status
	case stream.KindTool:
		m.thinking = "running " + u.Event.Tool
	case stream.KindResponse:
		m.thinking = ""
		if u.Message != nil {
			m.appendAgentMessage(u.Message)
		}
	case stream.KindInterrupt:
		m.thinking = ""
		if u.Message != nil && u.Message.Approval != nil {
			m.pending = u.Message.Approval
			m.deciding = false
			m.mode = modeApproval
			m.status = "an action awaits approval"
		}
	case stream.KindError:
		m.thinking = ""
		if u.Message != nil {
			m.appendLine(errStyle.Render("! " + u.Message.Content))
		}
	case stream.KindDone:
	}
	m.renderTranscript()
}

func (m *Model) applyApprovalOutcome(msg approvalDoneMsg) {
	if msg.err != nil {
		m.status = "approval failed: " + msg.err.Error()
		return
	}
	switch msg.req.State {
	case approval.StateApproved:
		m.appendLine(okStyle.Render("✓ approved " + msg.req.Type))
		m.closeApprovalPrompt()
	case approval.StateDeclined:
		m.appendLine(dimStyle.Render("✗ declined " + msg.req.Type))
		m.closeApprovalPrompt()
	default:
		// The backend refused: the request reverted to proposed and stays
		// retryable from the same prompt.
		m.status = "refused: " + msg.req.Failure
	}
	m.renderTranscript()
}

func (m *Model) closeApprovalPrompt() {
	m.pending = nil
	m.mode = modeCompose
	m.status = "ready"
	m.input.Focus()
}

func (m *Model) primeEditInput() {
	field := m.editFields[m.editIndex]
	if snap, ok := m.approvals.Peek(m.pending.ID); ok {
		m.editInput.SetValue(snap.FieldValues()[field])
	}
	m.editInput.CursorEnd()
	m.editInput.Focus()
	m.input.Blur()
	m.status = "editing " + field
}

func (m *Model) exitEditing() {
	m.mode = modeApproval
	m.editInput.Blur()
	m.editFields = nil
	m.editIndex = 0
	m.input.Focus()
}

func (m *Model) appendAgentMessage(msg *conversation.Message) {
	m.appendLine(agentStyle.Render("parley ") + msg.Content)
	for i, c := range msg.Citations {
		m.appendLine(dimStyle.Render(citationLine(i, c)))
	}
	for _, f := range msg.Followups {
		m.appendLine(dimStyle.Render("  ↳ " + f))
	}
}

func (m *Model) appendLine(line string) {
	m.transcript = append(m.transcript, line)
}

func (m *Model) renderTranscript() {
	if !m.ready {
		return
	}
	m.view.SetContent(strings.Join(m.transcript, "\n"))
	m.view.GotoBottom()
}

func (m *Model) resize() {
	contentWidth := m.width - 2
	if contentWidth < 20 {
		contentWidth = 20
	}
	inputWidth := m.width - 6
	if inputWidth < 10 {
		inputWidth = 10
	}
	m.input.Width = inputWidth
	m.editInput.Width = inputWidth

	viewHeight := m.height - 8
	if viewHeight < 3 {
		viewHeight = 3
	}
	if !m.ready {
		m.view = viewport.New(contentWidth, viewHeight)
		m.ready = true
		m.renderTranscript()
		return
	}
	m.view.Width = contentWidth
	m.view.Height = viewHeight
}
