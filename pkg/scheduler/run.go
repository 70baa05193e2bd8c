package scheduler

import (
	"context"
	"errors"
	"time"
)

// NextRun returns the first instant strictly after now at which the local
// wall clock in loc reads at.
func NextRun(now time.Time, loc *time.Location, at TimeOfDay) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), at.Hour, at.Minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, at.Hour, at.Minute, 0, 0, loc)
	}
	return next
}

// Run restores health state, optionally ticks once, then ticks daily at the
// configured time until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Restore(ctx); err != nil {
		return err
	}
	if o.cfg.RunOnStart {
		o.tickAndLog(ctx)
	}
	for {
		next := NextRun(o.now(), o.cfg.Location, o.cfg.RunAt)
		o.logger.InfoContext(ctx, "next accrual tick scheduled", "at", next.Format(time.RFC3339))
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			o.tickAndLog(ctx)
		}
	}
}

func (o *Orchestrator) tickAndLog(ctx context.Context) {
	if _, err := o.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
		o.logger.ErrorContext(ctx, "accrual tick failed", "error", err)
	}
}
