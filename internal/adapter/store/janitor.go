package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Sweeper reclaims expired entries.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Janitor runs a Sweeper on a cron schedule.
type Janitor struct {
	cron    *cron.Cron
	sweeper Sweeper
	logger  *slog.Logger
}

// NewJanitor schedules s with a standard cron spec or descriptor such as
// "@every 1m".
func NewJanitor(spec string, s Sweeper, logger *slog.Logger) (*Janitor, error) {
	j := &Janitor{
		cron:    cron.New(),
		sweeper: s,
		logger:  logger,
	}
	if _, err := j.cron.AddFunc(spec, j.run); err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	return j, nil
}

func (j *Janitor) run() {
	n, err := j.sweeper.Sweep(context.Background())
	if err != nil {
		j.logger.Warn("store sweep failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Debug("store sweep", "expired", n)
	}
}

// Start begins the schedule in its own goroutine.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
