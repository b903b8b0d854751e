// Package schedule runs the periodic refresh from a cron expression.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "epdframe/internal/log"
)

// cronLogger adapts internal/log to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}

// Scheduler fires a job on a cron schedule. A run that is still going when
// the next tick arrives causes that tick to be skipped, so refreshes never
// overlap.
type Scheduler struct {
	c    *cron.Cron
	id   cron.EntryID
	stop sync.Once
}

// Start parses spec (standard 5-field cron or a descriptor such as
// "@every 15m") and begins running job. The scheduler stops when ctx is
// cancelled; job receives ctx.
func Start(ctx context.Context, spec string, job func(context.Context)) (*Scheduler, error) {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	id, err := c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		job(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid cron %q: %w", spec, err)
	}

	s := &Scheduler{c: c, id: id}
	c.Start()
	appLog.Info("scheduler started", "cron", spec, "next", s.Next())

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return s, nil
}

// Next is the time of the next run.
func (s *Scheduler) Next() time.Time {
	e := s.c.Entry(s.id)
	if e.Schedule == nil {
		return time.Time{}
	}
	return e.Schedule.Next(time.Now())
}

// Stop stops the scheduler and waits for a running job to return.
func (s *Scheduler) Stop() {
	s.stop.Do(func() {
		<-s.c.Stop().Done()
		appLog.Info("scheduler stopped")
	})
}
