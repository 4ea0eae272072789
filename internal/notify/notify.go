package notify

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Notifier tells the device owner about things they must act on, such as an
// alert nobody could be reached for.
type Notifier interface {
	Send(ctx context.Context, title, text string) error
}

type Multi []Notifier

// Send tries every notifier and returns all failures combined.
func (m Multi) Send(ctx context.Context, title, text string) error {
	var errs error
	for _, n := range m {
		if n == nil {
			continue
		}
		errs = multierr.Append(errs, n.Send(ctx, title, text))
	}
	return errs
}

// Log writes owner notices to the structured log. It is the fallback when no
// webhook is configured.
type Log struct{ L *zap.Logger }

func (l Log) Send(_ context.Context, title, text string) error {
	l.L.Warn("owner_notice", zap.String("title", title), zap.String("text", text))
	return nil
}
