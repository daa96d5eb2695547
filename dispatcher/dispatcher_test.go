package dispatcher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailforge/dispatchd/attachment"
	"github.com/mailforge/dispatchd/internal/types"
	"github.com/mailforge/dispatchd/metricscollector"
	"github.com/mailforge/dispatchd/smtp"
	"github.com/mailforge/dispatchd/store"
	"github.com/mailforge/dispatchd/template"
	"github.com/mailforge/dispatchd/workerpool"
)

type blockingSender struct{ release chan struct{} }

func (b *blockingSender) Send(ctx context.Context, msg smtp.Message) (smtp.Outcome, string) {
	<-b.release
	return smtp.Sent, ""
}
func (b *blockingSender) TestConnection(ctx context.Context) bool { return true }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestTickClaimsAndSubmitsQueuedJobs(t *testing.T) {
	st := openTestStore(t)
	sender := &blockingSender{release: make(chan struct{})}
	close(sender.release) // let sends complete immediately

	pool := workerpool.New(
		workerpool.Config{WorkerCount: 2, MaxRetries: 3, RetryBase: time.Millisecond, RetryMax: time.Second},
		st, sender, template.NewCache(st), attachment.NewProcessor(1<<20), metricscollector.New(), nil,
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	jobID := uuid.NewString()
	_, err := st.InsertJob(types.QueueJob{ID: jobID, Priority: types.PriorityHigh, Status: types.StatusQueued, To: "a@example.com"})
	require.NoError(t, err)

	d := New(Config{PollInterval: time.Hour, BatchSize: 10}, st, pool)
	d.tick(ctx)

	assert.Eventually(t, func() bool {
		job, err := st.GetJob(jobID)
		return err == nil && job.Status == types.StatusSent
	}, time.Second, 10*time.Millisecond)
}

func TestTickSkipsWhenNoPoolSlotsAvailable(t *testing.T) {
	st := openTestStore(t)
	sender := &blockingSender{release: make(chan struct{})}

	pool := workerpool.New(
		workerpool.Config{WorkerCount: 2},
		st, sender, template.NewCache(st), attachment.NewProcessor(1<<20), metricscollector.New(), nil,
	)

	jobID := uuid.NewString()
	_, err := st.InsertJob(types.QueueJob{ID: jobID, Status: types.StatusQueued, To: "a@example.com"})
	require.NoError(t, err)

	d := New(Config{PollInterval: time.Hour, BatchSize: 10}, st, pool)
	// Saturate the pool's channel so AvailableSlots reports 0.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < pool.AvailableSlots()+1 && pool.AvailableSlots() > 0; i++ {
		pool.Submit(ctx, types.QueueJob{ID: uuid.NewString()})
	}

	d.tick(ctx)

	job, err := st.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, job.Status) // never claimed; pool had no slots
}

func TestWakeIsNonBlocking(t *testing.T) {
	st := openTestStore(t)
	pool := workerpool.New(workerpool.Config{WorkerCount: 1}, st, &blockingSender{release: make(chan struct{})},
		template.NewCache(st), attachment.NewProcessor(1<<20), metricscollector.New(), nil)
	d := New(Config{}, st, pool)

	d.Wake()
	d.Wake() // second call must not block even though the channel is buffered at 1
}

func TestReclaimLoopRequeuesStaleJobsAndWakes(t *testing.T) {
	st := openTestStore(t)
	pool := workerpool.New(workerpool.Config{WorkerCount: 1}, st, &blockingSender{release: make(chan struct{})},
		template.NewCache(st), attachment.NewProcessor(1<<20), metricscollector.New(), nil)
	d := New(Config{StaleLease: time.Millisecond}, st, pool)

	jobID := uuid.NewString()
	started := time.Now().UTC().Add(-time.Hour)
	_, err := st.InsertJob(types.QueueJob{
		ID: jobID, Status: types.StatusProcessing, ProcessingStartedAt: &started, To: "a@example.com",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go d.ReclaimLoop(ctx, 5*time.Millisecond)
	defer cancel()

	assert.Eventually(t, func() bool {
		job, err := st.GetJob(jobID)
		return err == nil && job.Status == types.StatusQueued
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(d.wake) == 1 }, time.Second, 10*time.Millisecond)
}
