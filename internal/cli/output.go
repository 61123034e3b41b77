package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Printer renders command results as styled text or JSON.
type Printer struct {
	Format string
	Out    io.Writer

	label lipgloss.Style
	head  lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
}

// NewPrinter creates a Printer. Styles degrade to plain text when out is not a terminal.
func NewPrinter(format string, out io.Writer) *Printer {
	r := lipgloss.NewRenderer(out)
	return &Printer{
		Format: format,
		Out:    out,
		label:  r.NewStyle().Bold(true).Width(12),
		head:   r.NewStyle().Bold(true).Underline(true),
		ok:     r.NewStyle().Foreground(lipgloss.Color("2")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("3")),
		bad:    r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
}

// JSON reports whether output is machine readable.
func (p *Printer) JSON() bool { return p.Format == "json" }

// Emit writes v as indented JSON.
func (p *Printer) Emit(v any) error {
	enc := json.NewEncoder(p.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Field writes one "label value" line.
func (p *Printer) Field(label string, value any) {
	fmt.Fprintf(p.Out, "%s %v\n", p.label.Render(label), value)
}

// Heading writes a section title.
func (p *Printer) Heading(title string) {
	fmt.Fprintln(p.Out, p.head.Render(title))
}

// Line writes a plain line.
func (p *Printer) Line(format string, args ...any) {
	fmt.Fprintf(p.Out, format+"\n", args...)
}

// Table writes rows in aligned columns under a styled header.
func (p *Printer) Table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}
	cells := make([]string, len(header))
	for i, h := range header {
		cells[i] = p.head.Render(pad(h, widths[i]))
	}
	fmt.Fprintln(p.Out, strings.TrimRight(strings.Join(cells, "  "), " "))
	for _, row := range rows {
		for i := range cells {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			cells[i] = pad(cell, widths[i])
		}
		fmt.Fprintln(p.Out, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}

// Status colours a status word by severity.
func (p *Printer) Status(s string) string {
	switch s {
	case "synced", "completed", "idle", "applied", "online":
		return p.ok.Render(s)
	case "pending", "syncing", "offline", "in_flight":
		return p.warn.Render(s)
	case "failed", "conflict", "error", "rejected":
		return p.bad.Render(s)
	}
	return s
}

func pad(s string, w int) string {
	n := lipgloss.Width(s)
	if n >= w {
		return s
	}
	return s + strings.Repeat(" ", w-n)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
