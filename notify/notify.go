// Package notify delivers operator-facing reports: daily failure summaries, permission shortfalls, and federation-level errors that end users never see.
package notify

import (
	"context"
	"log/slog"
)

type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// LogNotifier writes reports to the structured log. It is the default when no webhook is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, subject, body string) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("report", "subject", subject, "body", body)
	return nil
}

// Multi fans a report out to every notifier and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, subject, body string) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, subject, body); err != nil && first == nil {
			first = err
		}
	}
	return first
}
