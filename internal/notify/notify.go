// Package notify delivers run outcomes to humans and other systems and
// reads remote commands back. Delivery is best effort: a failing notifier
// is logged and never aborts a run.
package notify

import (
	"context"
	"errors"

	appLog "calmirror/internal/log"
)

// Notifier delivers one human-readable message.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Log writes messages to the application log.
type Log struct{}

func (Log) Notify(_ context.Context, message string) error {
	appLog.Info("notify", "message", message)
	return nil
}

// Multi fans a message out to every notifier.
type Multi []Notifier

// Notify delivers to all notifiers and joins their errors.
func (m Multi) Notify(ctx context.Context, message string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send delivers message and logs instead of returning failure.
func Send(ctx context.Context, n Notifier, message string) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, message); err != nil {
		appLog.Warn("notification failed", "error", err.Error())
	}
}
