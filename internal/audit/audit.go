// Package audit periodically re-checks the route table invariant of a
// running registry and reports any violation to the log, the metrics and the
// event stream.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/diamond/internal/events"
	"github.com/R3E-Network/diamond/internal/logging"
)

// Target is checked on every run. *diamond.Diamond satisfies it.
type Target interface {
	Verify() error
}

// Reporter receives the outcome of every run. *metrics.Collector satisfies
// it.
type Reporter interface {
	RecordAudit(err error)
	UpdateUptime()
}

// Result is the outcome of the most recent run.
type Result struct {
	At  time.Time
	Err error
}

// Auditor schedules invariant checks.
type Auditor struct {
	target   Target
	reporter Reporter
	events   events.EventLogger
	log      *logging.Logger
	cron     *cron.Cron

	mu   sync.RWMutex
	last Result
	runs int
}

// New creates an Auditor for target. reporter and ev may be nil.
func New(target Target, reporter Reporter, ev events.EventLogger, log *logging.Logger) *Auditor {
	if ev == nil {
		ev = events.NoOpLogger{}
	}
	if log == nil {
		log = logging.NewDefault("audit")
	}
	a := &Auditor{
		target:   target,
		reporter: reporter,
		events:   ev,
		log:      log,
	}
	cl := cronLogger{log: log}
	a.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return a
}

// RunOnce checks the target immediately.
func (a *Auditor) RunOnce() error {
	err := a.target.Verify()

	a.mu.Lock()
	a.last = Result{At: time.Now().UTC(), Err: err}
	a.runs++
	a.mu.Unlock()

	if a.reporter != nil {
		a.reporter.RecordAudit(err)
		a.reporter.UpdateUptime()
	}
	if err != nil {
		a.log.WithError(err).Error("route table invariant violated")
		events.NewEvent(events.EventInvariantViolated).
			ErrorFrom(err).
			Message("route table invariant violated").
			LogTo(a.events)
		return err
	}
	a.log.Debug("route table audit passed")
	return nil
}

// Start runs RunOnce on schedule, written in any form robfig/cron accepts,
// e.g. "@every 1m" or "*/5 * * * *".
func (a *Auditor) Start(schedule string) error {
	if _, err := a.cron.AddFunc(schedule, func() { _ = a.RunOnce() }); err != nil {
		return fmt.Errorf("audit: schedule %q: %w", schedule, err)
	}
	a.cron.Start()
	a.log.WithField("schedule", schedule).Info("route table audit scheduled")
	return nil
}

// Stop halts the schedule and waits for a running check to finish or ctx to
// end.
func (a *Auditor) Stop(ctx context.Context) error {
	done := a.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("audit: stop interrupted"), ctx.Err())
	}
}

// Last returns the result of the most recent run and how many runs there
// have been.
func (a *Auditor) Last() (Result, int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last, a.runs
}

// cronLogger forwards cron's own logging to logrus.
type cronLogger struct {
	log *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func fields(kv []interface{}) logrus.Fields {
	out := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
