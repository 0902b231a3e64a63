// Package report renders GPU snapshots for terminals and email.
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"require-gpu/internal/sampling"
)

type State int

const (
	Plain State = iota
	Free
	Busy
)

func (s State) class() string {
	switch s {
	case Free:
		return "free"
	case Busy:
		return "busy"
	default:
		return "plain"
	}
}

type Line struct {
	Text  string
	State State
}

// SnapshotLines returns one line per GPU, tagged with its availability.
func SnapshotLines(snap sampling.Snapshot) []Line {
	lines := make([]Line, 0, len(snap.GPUs))
	for _, g := range snap.GPUs {
		st := Busy
		if g.Free() {
			st = Free
		}
		lines = append(lines, Line{Text: g.String(), State: st})
	}
	return lines
}

// TextLines splits preformatted text into untagged lines.
func TextLines(text string) []Line {
	if text == "" {
		return nil
	}
	parts := strings.Split(text, "\n")
	lines := make([]Line, len(parts))
	for i, p := range parts {
		lines[i] = Line{Text: p}
	}
	return lines
}

func PlainText(lines []Line) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.Text
	}
	return strings.Join(parts, "\n")
}

// Write prints lines to w, colored when w is a terminal.
func Write(w io.Writer, lines []Line) error {
	r := lipgloss.NewRenderer(w)
	styles := map[State]lipgloss.Style{
		Plain: r.NewStyle(),
		Free:  r.NewStyle().Foreground(lipgloss.Color("2")),
		Busy:  r.NewStyle().Foreground(lipgloss.Color("1")),
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, styles[l.State].Render(l.Text)); err != nil {
			return err
		}
	}
	return nil
}

const htmlTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
pre { font-family: "DejaVu Sans Mono", Menlo, Consolas, monospace; font-size: 13px; color: #1a202c; background: #ffffff; }
.free { color: #2f855a; }
.busy { color: #c53030; }
</style>
</head>
<body>
<pre>{{range .}}<span class="{{.Class}}">{{.Text}}</span>
{{end}}</pre>
</body>
</html>
`

var htmlTmpl = template.Must(template.New("report").Parse(htmlTemplate))

type htmlLine struct {
	Class string
	Text  string
}

// HTML renders lines as a styled, self-contained HTML document.
func HTML(lines []Line) (string, error) {
	data := make([]htmlLine, len(lines))
	for i, l := range lines {
		data[i] = htmlLine{Class: l.State.class(), Text: l.Text}
	}
	var buf bytes.Buffer
	if err := htmlTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}
	return buf.String(), nil
}
