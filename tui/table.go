package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/superfly/storagemgr/commit"
	"github.com/superfly/storagemgr/journal"
	"github.com/superfly/storagemgr/topology"
)

// Column represents a table column
type Column struct {
	Title string
	Width int
}

// Row represents a table row
type Row []string

// Table renders data in a styled table format
type Table struct {
	columns []Column
	rows    []Row
	styles  *Styles
}

// NewTable creates a new table with the given columns
func NewTable(columns []Column) *Table {
	return &Table{
		columns: columns,
		rows:    []Row{},
		styles:  DefaultStyles(),
	}
}

// AddRow adds a row to the table
func (t *Table) AddRow(row Row) {
	t.rows = append(t.rows, row)
}

// Render renders the table as a string. Cells longer than their column are cut with
// an ellipsis; styled cells are measured by their visible width.
func (t *Table) Render() string {
	var b strings.Builder

	header := make([]string, len(t.columns))
	for i, col := range t.columns {
		header[i] = t.styles.TableHeader.Width(col.Width).Render(col.Title)
	}
	b.WriteString(strings.Join(header, " ") + "\n")

	for _, col := range t.columns {
		b.WriteString(t.styles.Muted.Render(strings.Repeat("─", col.Width)) + " ")
	}
	b.WriteString("\n")

	for _, row := range t.rows {
		cells := make([]string, len(t.columns))
		for i, col := range t.columns {
			var cell string
			if i < len(row) {
				cell = truncate(row[i], col.Width)
			}
			cells[i] = t.styles.TableCell.Width(col.Width).Render(cell)
		}
		b.WriteString(strings.Join(cells, " ") + "\n")
	}
	return b.String()
}

func truncate(s string, width int) string {
	if width < 4 || lipgloss.Width(s) <= width {
		return s
	}
	r := []rune(s)
	if len(r) > width-2 {
		r = r[:width-2]
	}
	return string(r) + ".."
}

// RenderPlan renders the actions of a plan grouped by stage.
func RenderPlan(plan *commit.Plan) string {
	styles := DefaultStyles()
	var b strings.Builder

	b.WriteString(styles.Title.Render("Pending changes") + "\n")
	if plan == nil || plan.Empty() {
		b.WriteString(styles.Muted.Render("  Nothing to commit") + "\n")
		return b.String()
	}

	n := 0
	for _, stage := range commit.Stages {
		actions := plan.ForStage(stage)
		if len(actions) == 0 {
			continue
		}
		b.WriteString(styles.SectionHead.Render(strings.ToUpper(stage.String())) + "\n")
		for _, a := range actions {
			n++
			line := fmt.Sprintf("%3d. %s", n, a.Description)
			if a.Destructive {
				line += " " + styles.Destructive.Render("[destroys data]")
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	summary := fmt.Sprintf("%d actions", plan.Len())
	if plan.Destructive() {
		summary += ", " + styles.Warning.Render(SymbolWarning+" some destroy data")
	}
	b.WriteString(styles.Muted.Render("Total: ") + summary + "\n")
	return b.String()
}

// RenderTopology renders every live volume of every container.
func RenderTopology(containers []*topology.Container) string {
	styles := DefaultStyles()
	var b strings.Builder

	b.WriteString(styles.Title.Render("Storage topology") + "\n")
	if len(containers) == 0 {
		b.WriteString(styles.Muted.Render("  No containers found") + "\n")
		return b.String()
	}

	for _, c := range containers {
		if c.Deleted {
			continue
		}
		head := fmt.Sprintf("%s %s", c.Kind, c.Name)
		switch {
		case c.Disk != nil:
			head += fmt.Sprintf(" (%s, %s)", topology.SizeString(c.Disk.SizeK), c.Disk.EffectiveLabel())
		case c.Pool != nil:
			head += fmt.Sprintf(" (%d of %d extents free)", c.Pool.FreeExtents, c.Pool.TotalExtents)
		}
		if c.Created {
			head += " " + styles.Info.Render("new")
		}
		b.WriteString(styles.Subtitle.Render(head) + "\n")

		t := NewTable([]Column{
			{Title: "DEVICE", Width: 28},
			{Title: "SIZE", Width: 10},
			{Title: "FS", Width: 6},
			{Title: "MOUNT", Width: 20},
			{Title: "STATE", Width: 14},
		})
		for _, v := range c.LiveVolumes() {
			t.AddRow(Row{v.Device, topology.SizeString(v.SizeK), string(v.FsType), v.Mount, volumeState(v)})
		}
		b.WriteString(t.Render() + "\n")
	}
	return b.String()
}

func volumeState(v *topology.Volume) string {
	var parts []string
	switch {
	case v.Created:
		parts = append(parts, "new")
	case v.NeedShrink():
		parts = append(parts, "shrink")
	case v.NeedExtend():
		parts = append(parts, "grow")
	}
	if v.Format {
		parts = append(parts, "format")
	}
	if v.IsMounted {
		parts = append(parts, "mounted")
	}
	return strings.Join(parts, ",")
}

// RenderRuns renders the commit history.
func RenderRuns(runs []*journal.Run) string {
	styles := DefaultStyles()
	var b strings.Builder

	b.WriteString(styles.Title.Render("Commit history") + "\n")
	if len(runs) == 0 {
		b.WriteString(styles.Muted.Render("  No commits recorded") + "\n")
		return b.String()
	}

	t := NewTable([]Column{
		{Title: "", Width: 2},
		{Title: "RUN", Width: 26},
		{Title: "STARTED", Width: 20},
		{Title: "ACTIONS", Width: 7},
		{Title: "CODE", Width: 6},
		{Title: "TIME", Width: 8},
		{Title: "LAST ACTION", Width: 40},
	})
	for _, r := range runs {
		t.AddRow(Row{
			styles.StatusIcon(r.Status),
			r.ID,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			fmt.Sprint(r.Actions),
			fmt.Sprint(r.Code),
			FormatDuration(r.Duration),
			r.LastAction,
		})
	}
	b.WriteString(t.Render())
	b.WriteString(fmt.Sprintf("\n%s %d runs\n", styles.Muted.Render("Total:"), len(runs)))
	return b.String()
}

// RenderSteps renders the steps of one run.
func RenderSteps(steps []*journal.StepRecord) string {
	styles := DefaultStyles()
	t := NewTable([]Column{
		{Title: "", Width: 2},
		{Title: "STAGE", Width: 9},
		{Title: "ACTION", Width: 56},
		{Title: "TIME", Width: 8},
	})
	for _, s := range steps {
		t.AddRow(Row{styles.StatusIcon(s.Status), s.Stage, s.Description, FormatDuration(s.Duration)})
	}
	out := t.Render()
	for _, s := range steps {
		if s.Error != "" {
			out += styles.Error.Render(fmt.Sprintf("%s %s: %s", SymbolError, s.Description, s.Error)) + "\n"
		}
	}
	return out
}
