// This file holds the dispatch engine's Scheduler (C7), replacing the
// CLI mail-merge job scheduler that used to live in this package. It
// keeps the teacher's periodic-dispatch-loop idiom (scheduler.go's
// dispatchLoop) and robfig/cron next-run computation, generalized to
// promote ScheduledEmail rows into QueueJob rows per §4.7.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/mailforge/dispatchd/internal/types"
	"github.com/mailforge/dispatchd/logger"
	"github.com/mailforge/dispatchd/store"
)

var engineLog = logger.New("scheduler")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Engine periodically promotes due ScheduledEmail rows to QueueJob rows.
type Engine struct {
	store *store.Store
	tick  time.Duration
	wake  func()
}

// New constructs a Scheduler engine. wake, if non-nil, is called after
// every promotion so the Dispatcher doesn't wait out its poll interval.
func New(st *store.Store, tick time.Duration, wake func()) *Engine {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Engine{store: st, tick: tick, wake: wake}
}

// Run blocks until ctx is cancelled, promoting due schedules on every tick.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			engineLog.Info("scheduler loop stopping")
			return
		case <-ticker.C:
			e.runOnce(time.Now().UTC())
		}
	}
}

// runOnce promotes every due schedule once. It is a separate unexported
// method so tests in this package can call it without waiting on a ticker.
func (e *Engine) runOnce(now time.Time) {
	due, err := e.store.DueScheduledEmails(now)
	if err != nil {
		engineLog.WithError(err).Error("failed to list due scheduled emails")
		return
	}

	for _, se := range due {
		job, err := e.store.PromoteDueScheduledEmail(se.ScheduleID, now, buildJobFromSchedule, advanceSchedule)
		if err != nil {
			engineLog.WithField("schedule_id", se.ScheduleID).WithError(err).Error("failed to promote scheduled email")
			continue
		}
		if job == nil {
			continue // raced with another scheduler instance; already promoted
		}
		engineLog.WithField("schedule_id", se.ScheduleID).WithField("queue_id", job.ID).Info("promoted scheduled email")
		if e.wake != nil {
			e.wake()
		}
	}
}

// buildJobFromSchedule creates the QueueJob that a promotion inserts.
func buildJobFromSchedule(se types.ScheduledEmail) types.QueueJob {
	return types.QueueJob{
		ID:                         uuid.NewString(),
		Priority:                   se.Priority,
		Status:                     types.StatusQueued,
		To:                         se.To,
		CC:                         se.CC,
		BCC:                        se.BCC,
		Subject:                    se.Subject,
		Body:                       se.Body,
		TemplateID:                 se.TemplateID,
		RequiresTemplateProcessing: se.TemplateID != "",
		CreatedBy:                  "scheduler",
		RequestSource:              "scheduled:" + se.ScheduleID,
	}
}

// advanceSchedule computes next_run_time from cron_expression or
// interval_minutes and deactivates the schedule when it has run its
// course, per §4.7 step 3.
func advanceSchedule(se *types.ScheduledEmail) {
	now := time.Now().UTC()

	if !se.IsRecurring {
		se.IsActive = false
		se.LastExecutionStatus = "Completed"
		return
	}

	var next time.Time
	switch {
	case se.CronExpr != "":
		schedule, err := cronParser.Parse(se.CronExpr)
		if err != nil {
			engineLog.WithField("schedule_id", se.ScheduleID).WithError(err).Error("invalid cron expression; deactivating")
			se.IsActive = false
			se.LastExecutionStatus = "InvalidCronExpression"
			return
		}
		next = schedule.Next(now)
	case se.IntervalMins > 0:
		next = now.Add(time.Duration(se.IntervalMins) * time.Minute)
	default:
		engineLog.WithField("schedule_id", se.ScheduleID).Error("recurring schedule has neither cron nor interval; deactivating")
		se.IsActive = false
		se.LastExecutionStatus = "MissingRecurrence"
		return
	}

	se.NextRunTime = next
	se.LastExecutionStatus = "Sent"

	if se.MaxExecutions > 0 && se.ExecutionCount >= se.MaxExecutions {
		se.IsActive = false
		return
	}
	if se.EndDate != nil && next.After(*se.EndDate) {
		se.IsActive = false
	}
}
