package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/superfly/storagemgr/commit"
)

// CommitStartedMsg announces the plan being executed.
type CommitStartedMsg struct {
	Plan *commit.Plan
}

// StepMsg reports one finished action.
type StepMsg struct {
	Index int
	Step  commit.Step
}

// CommitDoneMsg ends the progress display.
type CommitDoneMsg struct {
	Result *commit.Result
	Err    error
}

// ProgressModel is the Bubble Tea model for commit progress
type ProgressModel struct {
	Quiet bool

	bar     progress.Model
	spinner spinner.Model
	styles  *Styles

	plan    *commit.Plan
	steps   []commit.Step
	current int

	startTime time.Time
	width     int
	done      bool
	result    *commit.Result
	err       error
}

// NewProgressModel creates a new progress model
func NewProgressModel(quiet bool) *ProgressModel {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(ColorInfo)

	return &ProgressModel{
		Quiet: quiet,
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(40),
		),
		spinner:   spin,
		styles:    DefaultStyles(),
		startTime: time.Now(),
		width:     80,
	}
}

// Init initializes the model
func (m *ProgressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles messages
func (m *ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = msg.Width - 20

	case CommitStartedMsg:
		m.plan = msg.Plan
		m.steps = nil
		m.current = 0

	case StepMsg:
		for len(m.steps) <= msg.Index {
			m.steps = append(m.steps, commit.Step{})
		}
		m.steps[msg.Index] = msg.Step
		m.current = msg.Index + 1

	case CommitDoneMsg:
		m.done = true
		m.result = msg.Result
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd
	}
	return m, nil
}

// Percent is the share of the plan already executed.
func (m *ProgressModel) Percent() float64 {
	if m.plan == nil || m.plan.Empty() {
		return 0
	}
	return float64(m.current) / float64(m.plan.Len())
}

// View renders the model
func (m *ProgressModel) View() string {
	if m.Quiet {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.styles.Title.Render("Committing storage changes") + "\n")

	if m.plan != nil {
		for i, a := range m.plan.Actions {
			var icon string
			switch {
			case i < len(m.steps) && m.steps[i].Status != "":
				icon = m.styles.StatusIcon(string(m.steps[i].Status))
			case i == m.current && !m.done:
				icon = m.spinner.View()
			default:
				icon = m.styles.StatusIcon("pending")
			}
			line := fmt.Sprintf("  %s %s", icon, a.Description)
			if i < len(m.steps) && m.steps[i].Duration > 0 {
				line += " " + m.styles.Muted.Render("("+FormatDuration(m.steps[i].Duration)+")")
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n  " + m.bar.ViewAs(m.Percent()) + "\n")
	}

	b.WriteString(fmt.Sprintf("\n  %s %s\n", m.styles.Muted.Render("Elapsed:"), FormatDuration(time.Since(m.startTime))))

	if m.done {
		b.WriteString("\n")
		if m.err != nil {
			b.WriteString(m.styles.Error.Render(fmt.Sprintf("  %s Commit failed: %v", SymbolError, m.err)) + "\n")
			if m.result != nil && m.result.ExtendedError != "" {
				b.WriteString(m.styles.Muted.Render("    "+m.result.ExtendedError) + "\n")
			}
		} else {
			b.WriteString(m.styles.Success.Render(fmt.Sprintf("  %s Commit finished", SymbolSuccess)) + "\n")
		}
	}

	b.WriteString(fmt.Sprintf("\n  %s\n", m.styles.Help.Render("Press q to detach")))
	return b.String()
}

// Done returns whether the model is done
func (m *ProgressModel) Done() bool {
	return m.done
}

// Error returns the commit error, if any
func (m *ProgressModel) Error() error {
	return m.err
}

// Sender is the part of *tea.Program the observer needs.
// This allows for mocking in tests.
type Sender interface {
	Send(msg tea.Msg)
}

// ProgramObserver forwards commit progress to a Bubble Tea program. It implements
// commit.Observer; combine it with the journal through commit.Observers.
type ProgramObserver struct {
	p Sender
}

var _ commit.Observer = (*ProgramObserver)(nil)

// NewProgramObserver creates an observer sending to p.
func NewProgramObserver(p Sender) *ProgramObserver {
	return &ProgramObserver{p: p}
}

// CommitStarted implements commit.Observer.
func (o *ProgramObserver) CommitStarted(_ context.Context, plan *commit.Plan) {
	o.p.Send(CommitStartedMsg{Plan: plan})
}

// StepFinished implements commit.Observer.
func (o *ProgramObserver) StepFinished(_ context.Context, index int, step commit.Step) {
	o.p.Send(StepMsg{Index: index, Step: step})
}

// CommitFinished implements commit.Observer. The program is told it is done separately
// through SendDone, once the caller knows the returned error.
func (o *ProgramObserver) CommitFinished(context.Context, *commit.Result) {}

// SendDone sends the final message to a program.
func SendDone(p Sender, res *commit.Result, err error) {
	p.Send(CommitDoneMsg{Result: res, Err: err})
}
