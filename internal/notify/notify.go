// Package notify builds and delivers the availability emails.
package notify

import (
	"context"
	"fmt"
	"strings"

	"require-gpu/internal/report"
	"require-gpu/internal/sampling"
)

type Message struct {
	From    string
	To      []string
	Subject string
	// Text is the plain-text body; HTML the styled alternative.
	Text string
	HTML string
}

type Mailer interface {
	Send(ctx context.Context, msg *Message) error
}

// SnapshotMessage reports the GPUs of snap. suffix, if any, is appended after
// a blank line.
func SnapshotMessage(id Identity, snap sampling.Snapshot, to []string, suffix string) (*Message, error) {
	lines := report.SnapshotLines(snap)
	if suffix != "" {
		lines = append(lines, report.Line{})
		lines = append(lines, report.TextLines(suffix)...)
	}
	subject := fmt.Sprintf("%d GPUs on %s available", len(snap.Available()), id.Host)
	return build(id, to, subject, lines)
}

// TextMessage sends preformatted text as is.
func TextMessage(id Identity, text string, to []string, subject string) (*Message, error) {
	return build(id, to, subject, report.TextLines(text))
}

func build(id Identity, to []string, subject string, lines []report.Line) (*Message, error) {
	if len(to) == 0 {
		return nil, fmt.Errorf("no recipients provided for email")
	}
	html, err := report.HTML(lines)
	if err != nil {
		return nil, err
	}
	return &Message{
		From:    id.Sender(),
		To:      append([]string(nil), to...),
		Subject: subject,
		Text:    report.PlainText(lines),
		HTML:    html,
	}, nil
}

// CommandReport is the body of the mail sent after a command finished.
func CommandReport(command, outcome, host, gpus string) string {
	return strings.Join([]string{
		"Command: \t" + command,
		"Result: \t" + outcome,
		"Host: \t" + host,
		"GPUs: \t" + gpus,
	}, "\n")
}
