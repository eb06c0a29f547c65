package orchestrator

import (
	"context"
	"time"
)

// nyLocation mirrors the risk package's session zone for the daily reset.
var nyLocation = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic("orchestrator: load America/New_York: " + err.Error())
	}
	return loc
}()

// housekeeping runs the minutely maintenance tick: the once-per-day
// counter reset at the 09:30 New York open, and an equity-curve
// observation each minute.
func (e *Engine) housekeeping(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			e.maybeResetDaily(ctx, now)
			e.maybeRecordEquity(ctx, now)
		}
	}
}

// maybeResetDaily clears the daily P&L and trade counters once per
// calendar day, at or after 09:30 New York. The circuit-breaker counter
// survives the reset.
func (e *Engine) maybeResetDaily(ctx context.Context, now time.Time) {
	ny := now.In(nyLocation)
	open := time.Date(ny.Year(), ny.Month(), ny.Day(), 9, 30, 0, 0, nyLocation)
	if ny.Before(open) {
		return
	}
	today := ny.Format("2006-01-02")

	last, err := e.storage.GetDailyResetDate(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("daily reset date lookup failed")
		return
	}
	if last == today {
		return
	}
	if err := e.storage.ResetDailyState(ctx, today); err != nil {
		e.logger.WithError(err).Error("daily state reset failed")
		return
	}
	e.logger.WithField("date", today).Info("daily counters reset")
}

// maybeRecordEquity appends an equity observation with the running daily
// P&L.
func (e *Engine) maybeRecordEquity(ctx context.Context, now time.Time) {
	account, err := e.broker.GetAccount(ctx)
	if err != nil {
		e.logger.WithError(err).Debug("equity observation skipped, account fetch failed")
		return
	}
	dailyPnl := 0.0
	if pnl, err := e.storage.GetDailyPnl(ctx); err == nil && pnl != nil {
		dailyPnl = *pnl
	}
	if err := e.storage.AppendEquityCurve(ctx, now.UTC(), account.Equity, dailyPnl); err != nil {
		e.logger.WithError(err).Warn("equity curve append failed")
	}
}
