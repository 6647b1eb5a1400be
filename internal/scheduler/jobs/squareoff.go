// Package jobs holds the scheduled jobs of a live trading session.
package jobs

import (
	"context"

	"github.com/vsharma2491/trading-algo/pkg/logger"
)

// SquareOffFunc requests an exit of every open leg.
type SquareOffFunc func()

// SquareOff forces the session flat at the configured cut-off time so
// no short option position rides into the close.
type SquareOff struct {
	schedule string
	fn       SquareOffFunc
	log      *logger.Logger
}

// NewSquareOff builds the job. schedule is a six-field cron expression.
func NewSquareOff(schedule string, fn SquareOffFunc, log *logger.Logger) *SquareOff {
	return &SquareOff{schedule: schedule, fn: fn, log: log.WithComponent("squareoff")}
}

func (j *SquareOff) Name() string     { return "squareoff" }
func (j *SquareOff) Schedule() string { return j.schedule }

// Run signals the strategy engine; the exits themselves happen on the
// engine goroutine.
func (j *SquareOff) Run(ctx context.Context) error {
	j.log.Warn("Square-off window reached, exiting all open legs")
	j.fn()
	return nil
}
