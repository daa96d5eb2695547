package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailforge/dispatchd/internal/types"
	"github.com/mailforge/dispatchd/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRunOncePromotesDueIntervalSchedule(t *testing.T) {
	st := openTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	se := types.ScheduledEmail{
		ScheduleID:   "sched-1",
		Name:         "digest",
		To:           "a@example.com",
		Subject:      "Daily digest",
		Priority:     types.PriorityNormal,
		IsRecurring:  true,
		IsActive:     true,
		IntervalMins: 60,
		NextRunTime:  now.Add(-time.Minute),
	}
	require.NoError(t, st.InsertScheduledEmail(se))

	woke := false
	engine := New(st, time.Minute, func() { woke = true })
	engine.runOnce(now)

	jobs, total, err := st.ListJobs(store.ListFilter{}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "a@example.com", jobs[0].To)
	assert.True(t, woke)

	updated, err := st.GetScheduledEmail("sched-1")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.ExecutionCount)
	assert.True(t, updated.NextRunTime.After(now))
	assert.True(t, updated.IsActive)
}

func TestRunOnceDeactivatesNonRecurringAfterPromotion(t *testing.T) {
	st := openTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	se := types.ScheduledEmail{
		ScheduleID:  "sched-once",
		To:          "b@example.com",
		Subject:     "one-off",
		IsRecurring: false,
		IsActive:    true,
		NextRunTime: now.Add(-time.Second),
	}
	require.NoError(t, st.InsertScheduledEmail(se))

	engine := New(st, time.Minute, nil)
	engine.runOnce(now)

	updated, err := st.GetScheduledEmail("sched-once")
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.Equal(t, "Completed", updated.LastExecutionStatus)
}

func TestRunOnceDeactivatesWhenMaxExecutionsReached(t *testing.T) {
	st := openTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	se := types.ScheduledEmail{
		ScheduleID:     "sched-max",
		To:             "c@example.com",
		IsRecurring:    true,
		IsActive:       true,
		IntervalMins:   5,
		ExecutionCount: 2,
		MaxExecutions:  3,
		NextRunTime:    now.Add(-time.Second),
	}
	require.NoError(t, st.InsertScheduledEmail(se))

	engine := New(st, time.Minute, nil)
	engine.runOnce(now)

	updated, err := st.GetScheduledEmail("sched-max")
	require.NoError(t, err)
	assert.Equal(t, 3, updated.ExecutionCount)
	assert.False(t, updated.IsActive)
}

func TestRunOnceSkipsNotYetDueSchedule(t *testing.T) {
	st := openTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	se := types.ScheduledEmail{
		ScheduleID:   "sched-future",
		To:           "d@example.com",
		IsRecurring:  true,
		IsActive:     true,
		IntervalMins: 5,
		NextRunTime:  now.Add(time.Hour),
	}
	require.NoError(t, st.InsertScheduledEmail(se))

	engine := New(st, time.Minute, nil)
	engine.runOnce(now)

	_, total, err := st.ListJobs(store.ListFilter{}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestAdvanceScheduleUsesCronExpression(t *testing.T) {
	se := &types.ScheduledEmail{
		ScheduleID:  "sched-cron",
		IsRecurring: true,
		IsActive:    true,
		CronExpr:    "0 0 * * *", // midnight daily
	}
	advanceSchedule(se)
	assert.True(t, se.IsActive)
	assert.False(t, se.NextRunTime.IsZero())
}
