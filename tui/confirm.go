package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/superfly/storagemgr/commit"
)

// ConfirmModel shows a plan in a scrollable viewport and asks whether to commit it.
type ConfirmModel struct {
	view      viewport.Model
	styles    *Styles
	plan      *commit.Plan
	confirmed bool
	answered  bool
}

// NewConfirmModel creates a confirmation screen for plan.
func NewConfirmModel(plan *commit.Plan) *ConfirmModel {
	m := &ConfirmModel{
		view:   viewport.New(80, 20),
		styles: DefaultStyles(),
		plan:   plan,
	}
	m.view.SetContent(RenderPlan(plan))
	return m
}

// Init initializes the model
func (m *ConfirmModel) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m *ConfirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "y", "Y":
			m.confirmed, m.answered = true, true
			return m, tea.Quit
		case "n", "N", "q", "esc", "ctrl+c":
			m.confirmed, m.answered = false, true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.view.Width = msg.Width
		m.view.Height = msg.Height - 3
	}

	var cmd tea.Cmd
	m.view, cmd = m.view.Update(msg)
	return m, cmd
}

// View renders the model
func (m *ConfirmModel) View() string {
	var b strings.Builder
	b.WriteString(m.view.View() + "\n")

	prompt := "Apply these changes?"
	if m.plan != nil && m.plan.Destructive() {
		prompt = m.styles.Destructive.Render("Some changes destroy data.") + " " + prompt
	}
	b.WriteString(prompt + " ")
	b.WriteString(m.styles.HelpKey.Render("y") + m.styles.HelpDesc.Render(" commit  "))
	b.WriteString(m.styles.HelpKey.Render("n") + m.styles.HelpDesc.Render(" abort  "))
	b.WriteString(m.styles.HelpKey.Render("↑/↓") + m.styles.HelpDesc.Render(" scroll"))
	return b.String()
}

// Confirmed reports whether the user accepted the plan.
func (m *ConfirmModel) Confirmed() bool {
	return m.answered && m.confirmed
}
