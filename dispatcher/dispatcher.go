// Package dispatcher implements the Dispatcher (C5): a single
// cooperative loop per process that claims ready jobs and hands them to
// the Worker Pool, adapted from the teacher's
// email.StartDispatcherWithContext task-fan-out loop — generalized from
// a fixed task slice to a poll-driven store.ClaimBatch cycle with a wake
// channel for new-job and reclaim signals.
package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mailforge/dispatchd/logger"
	"github.com/mailforge/dispatchd/store"
	"github.com/mailforge/dispatchd/workerpool"
)

var log = logger.New("dispatcher")

// Config carries the Dispatcher's own tunables.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	StaleLease   time.Duration
}

// Dispatcher owns the claim/submit loop. WorkerID identifies this
// process in ProcessedBy columns and lease bookkeeping.
type Dispatcher struct {
	cfg      Config
	store    *store.Store
	pool     *workerpool.Pool
	workerID string
	wake     chan struct{}
}

func New(cfg Config, st *store.Store, pool *workerpool.Pool) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		pool:     pool,
		workerID: "dispatcher-" + uuid.NewString()[:8],
		wake:     make(chan struct{}, 1),
	}
}

// Wake posts a non-blocking wake signal — callers post one after
// inserting a new job or running a stale-lease reclaim so the loop
// doesn't wait out the full poll interval.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, claiming and dispatching batches
// on every poll tick or wake signal.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("dispatcher loop stopping")
			return
		case <-ticker.C:
			d.tick(ctx)
		case <-d.wake:
			d.tick(ctx)
		}
	}
}

// tick performs one claim-and-submit cycle. batch_size is dynamic:
// min(configured_batch, available_worker_slots).
func (d *Dispatcher) tick(ctx context.Context) {
	slots := d.pool.AvailableSlots()
	if slots <= 0 {
		return
	}
	batchSize := d.cfg.BatchSize
	if slots < batchSize {
		batchSize = slots
	}

	claimed, err := d.store.ClaimBatch(time.Now().UTC(), batchSize, d.workerID)
	if err != nil {
		log.WithError(err).Error("claim_batch failed")
		return
	}
	if len(claimed) == 0 {
		return
	}

	log.WithField("count", len(claimed)).Debug("claimed batch")
	for _, job := range claimed {
		if !d.pool.Submit(ctx, job) {
			return // ctx cancelled mid-submit; remaining jobs recover via stale-lease reclaim
		}
	}
}

// ReclaimLoop runs independently of the main dispatch loop, reclaiming
// Processing jobs whose lease has exceeded stale_lease, per §4.1/§4.5.
func (d *Dispatcher) ReclaimLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = d.cfg.StaleLease / 2
		if interval <= 0 {
			interval = 5 * time.Minute
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := d.store.ReclaimStale(time.Now().UTC(), d.cfg.StaleLease)
			if err != nil {
				log.WithError(err).Error("reclaim_stale failed")
				continue
			}
			if len(reclaimed) > 0 {
				log.WithField("count", len(reclaimed)).Warn("reclaimed stale leases")
				d.Wake()
			}
		}
	}
}
