package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tjfontaine/darkroom/internal/catalog"
	"github.com/tjfontaine/darkroom/internal/notify"
	"github.com/tjfontaine/darkroom/internal/orchestrator"
	"github.com/tjfontaine/darkroom/internal/pipeline"
	"github.com/tjfontaine/darkroom/internal/session"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true)

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)

	labelStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	previewLabel  = lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Render("PREVIEW")
	originalLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("ORIGINAL")
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failureStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	spinnerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

const helpText = "u upload  esc close  ←/→ image  tab filter  ↑/↓ param  +/- value  a apply  " +
	"s add step  [/] step  d remove  x clear  p preview  c confirm  e export  q quit"

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	snap := m.editor.Snapshot()

	header := headerStyle.Render("darkroom")
	left := paneStyle.Render(m.renderImage(snap))
	right := paneStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		renderFilter(m.filter),
		renderParamForm(m.filter, m.params, m.paramIdx),
		"",
		renderPipeline(snap.Steps, m.stepIdx),
	))
	body := lipgloss.JoinHorizontal(lipgloss.Top, left, right)

	status := ""
	if m.pending > 0 || snap.InFlight {
		status = m.spinner.View() + " working..."
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		body,
		renderNotifications(m.notices.Active()),
		status,
		helpStyle.Render(helpText),
	)
}

func (m Model) renderImage(snap orchestrator.Snapshot) string {
	var b strings.Builder
	b.WriteString(labelStyle.Render("Image") + "\n")

	if snap.SessionID == "" {
		fmt.Fprintf(&b, "No images uploaded. Press u to upload %d file(s).", len(m.files))
		return b.String()
	}
	if !snap.Loaded {
		b.WriteString("Loading...")
		return b.String()
	}

	fmt.Fprintf(&b, "%s\n", snap.Filename)
	fmt.Fprintf(&b, "Image %d of %d\n", snap.PositionIndex+1, snap.TotalImages)
	fmt.Fprintf(&b, "Last filter: %s\n", snap.LastFilterName)

	shown := originalLabel
	if snap.Phase == session.Pending {
		shown = previewLabel
	}
	fmt.Fprintf(&b, "Showing: %s\n", shown)

	switch {
	case m.imageErr != "":
		b.WriteString(failureStyle.Render(m.imageErr))
	case m.image != nil:
		fmt.Fprintf(&b, "%s %dx%d, %d bytes", strings.ToUpper(m.image.Format), m.image.Width, m.image.Height, m.image.Bytes)
	default:
		b.WriteString(dimStyle.Render("fetching image..."))
	}
	b.WriteString("\n\n")

	b.WriteString(navHint("← prev", snap.Nav.Prev) + "  " + navHint("next →", snap.Nav.Next))
	if snap.ExportPermitted {
		b.WriteString("  " + successStyle.Render("export ready"))
	}
	return b.String()
}

func navHint(label string, enabled bool) string {
	if enabled {
		return label
	}
	return dimStyle.Render(label)
}

func renderFilter(k catalog.Kind) string {
	return labelStyle.Render("Filter") + " " + selectedStyle.Render("< "+k.String()+" >")
}

// renderParamForm lists the parameters of k in declaration order, marking the selected one.
func renderParamForm(k catalog.Kind, params map[string]float64, selected int) string {
	names := k.ParamNames()
	if len(names) == 0 {
		return dimStyle.Render("No parameters.")
	}
	schema := k.Schema()
	lines := make([]string, len(names))
	for i, name := range names {
		line := fmt.Sprintf("%-10s %s", name, formatValue(params[name], schema[name].Type))
		if i == selected {
			lines[i] = selectedStyle.Render("> " + line)
		} else {
			lines[i] = "  " + line
		}
	}
	return strings.Join(lines, "\n")
}

func renderPipeline(steps []pipeline.FilterStep, selected int) string {
	title := labelStyle.Render(fmt.Sprintf("Pipeline (%d)", len(steps)))
	if len(steps) == 0 {
		return title + "\n" + dimStyle.Render("No steps. Press s to add the current filter.")
	}
	lines := []string{title}
	for i, s := range steps {
		line := fmt.Sprintf("%d. %s", i+1, s)
		if i == clampStep(selected, len(steps)) {
			lines = append(lines, selectedStyle.Render("> "+line))
		} else {
			lines = append(lines, "  "+line)
		}
	}
	return strings.Join(lines, "\n")
}

func renderNotifications(ns []notify.Notification) string {
	lines := make([]string, 0, len(ns))
	for _, n := range ns {
		style := successStyle
		if n.Level == notify.Failure {
			style = failureStyle
		}
		lines = append(lines, style.Render(n.Message))
	}
	return strings.Join(lines, "\n")
}

func formatValue(v float64, t catalog.ParamType) string {
	if t == catalog.Int {
		return strconv.Itoa(int(v))
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
