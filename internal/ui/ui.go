// Package ui renders terminal output for lq.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/steveyegge/beads-live/internal/schema"
)

var (
	accentColor = lipgloss.AdaptiveColor{Light: "#7C3AED", Dark: "#A78BFA"}
	passColor   = lipgloss.AdaptiveColor{Light: "#15803D", Dark: "#4ADE80"}
	warnColor   = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"}
	failColor   = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	mutedColor  = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#94A3B8"}
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(passColor).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(warnColor).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(failColor).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	idStyle     = lipgloss.NewStyle().Foreground(accentColor).Width(28)
	statusStyle = lipgloss.NewStyle().Width(12)
)

// Configure picks the color profile for out. Colors are dropped for
// non-terminals and when NO_COLOR is set.
func Configure(out io.Writer) {
	f, ok := out.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" {
		DisableColor()
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(f).EnvColorProfile())
}

// DisableColor renders every style as plain text.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// RenderAccent highlights headings and icons.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders a success marker.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders a warning marker.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders an error marker.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted renders secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// ListState is the footer information for RenderEntities.
type ListState struct {
	CanExpand bool
	Dirty     bool
}

// RenderEntities renders one line per entity followed by a status footer.
func RenderEntities(entities []schema.Entity, state ListState) string {
	var b strings.Builder
	for i := range entities {
		e := &entities[i]
		title, status := "", ""
		if task := e.Task(); task != nil {
			title = task.Title
			status = task.Status
		}
		if title == "" {
			kinds := make([]string, 0, len(e.Traits))
			for _, k := range e.Kinds() {
				kinds = append(kinds, k.String())
			}
			title = RenderMuted("(" + strings.Join(kinds, ", ") + ")")
		}
		fmt.Fprintf(&b, "%s %s %s\n", idStyle.Render(e.ID), statusStyle.Render(status), title)
	}

	footer := fmt.Sprintf("%d loaded", len(entities))
	if state.CanExpand {
		footer += ", more available"
	}
	b.WriteString(RenderMuted(footer))
	if state.Dirty {
		b.WriteString(" " + RenderWarn("⚠ reconnecting"))
	}
	b.WriteString("\n")
	return b.String()
}
