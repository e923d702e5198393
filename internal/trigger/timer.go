package trigger

import (
	"context"
	"log/slog"
	"time"
)

// Timer raises its line once per interval.
type Timer struct {
	base
	interval time.Duration
}

// NewTimer returns a periodic source. interval must be positive.
func NewTimer(interval time.Duration, line int, log *slog.Logger) *Timer {
	t := &Timer{interval: interval}
	t.init("timer:"+interval.String(), line, log)
	return t
}

// Run implements [Source].
func (t *Timer) Run(ctx context.Context, r Raiser) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.log.Info("trigger started", "interval", t.interval.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.fire(r)
		}
	}
}
