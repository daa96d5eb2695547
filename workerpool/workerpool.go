// Package workerpool implements the Worker Pool (C6): a bounded set of
// N cooperative goroutines draining a channel of claimed jobs, adapted
// from the teacher's email.worker/startWorker/processBatch shape —
// generalized from a CSV batch-send loop to the execute() pipeline of
// §4.6 (template render → attachment processing → MIME assembly → SMTP
// send → outcome bookkeeping) and from a fixed retry counter to the
// store-backed exponential-backoff retry policy.
package workerpool

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/mailforge/dispatchd/attachment"
	"github.com/mailforge/dispatchd/internal/ratelimit"
	"github.com/mailforge/dispatchd/internal/types"
	"github.com/mailforge/dispatchd/logger"
	"github.com/mailforge/dispatchd/metricscollector"
	"github.com/mailforge/dispatchd/smtp"
	"github.com/mailforge/dispatchd/store"
	"github.com/mailforge/dispatchd/template"
	"github.com/sirupsen/logrus"
)

var log = logger.New("workerpool")

// Config carries every tunable the pool's retry policy and resource
// limits need; field names mirror the engine configuration's retry_*
// entries.
type Config struct {
	WorkerCount int
	MaxRetries  int
	RetryBase   time.Duration
	RetryMax    time.Duration

	// SendTimeout bounds a single SMTP.Send call (§5 default 30s);
	// JobTimeout bounds the whole execute() pipeline for one job (§5
	// default 2m). Either expiring surfaces as a RetryableFailure.
	SendTimeout time.Duration
	JobTimeout  time.Duration
}

// Pool is the bounded executor. Start launches its workers, the
// Dispatcher feeds it jobs over Submit, and Stop closes the jobs channel
// on shutdown and waits for the workers to drain it.
type Pool struct {
	cfg     Config
	store   *store.Store
	sender  smtp.Sender
	tmpl    *template.Cache
	attach  *attachment.Processor
	metrics *metricscollector.Collector
	limiter *ratelimit.RateLimiter

	jobs chan types.QueueJob
	wg   sync.WaitGroup
}

func New(
	cfg Config,
	st *store.Store,
	sender smtp.Sender,
	tmpl *template.Cache,
	attach *attachment.Processor,
	metrics *metricscollector.Collector,
	limiter *ratelimit.RateLimiter,
) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 8
	}
	return &Pool{
		cfg:     cfg,
		store:   st,
		sender:  sender,
		tmpl:    tmpl,
		attach:  attach,
		metrics: metrics,
		limiter: limiter,
		jobs:    make(chan types.QueueJob, cfg.WorkerCount*2),
	}
}

// AvailableSlots reports how many jobs could currently be accepted
// without blocking — the Dispatcher uses this to size its next claim.
func (p *Pool) AvailableSlots() int {
	return cap(p.jobs) - len(p.jobs)
}

// Start launches the fixed set of worker goroutines. It returns
// immediately; call Stop (or cancel ctx) to drain and join them.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i+1)
	}
}

// Submit hands a claimed job to the pool. It blocks if every worker is
// busy and the internal buffer is full, naturally back-pressuring the
// Dispatcher's claim loop.
func (p *Pool) Submit(ctx context.Context, job types.QueueJob) bool {
	select {
	case p.jobs <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop closes the submission channel and waits for in-flight jobs to
// finish, honoring the grace period the caller enforces via ctx.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID int) {
	defer p.wg.Done()
	id := workerIDString(workerID)

	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.execute(ctx, id, job)
		case <-ctx.Done():
			return
		}
	}
}

func workerIDString(n int) string {
	return "worker-" + strconv.Itoa(n)
}

// execute runs the §4.6 pipeline for a single claimed job, bounded by the
// §5 job wall-clock timeout; the SMTP send itself is further bounded by
// its own send timeout so a hung dial can't stall the whole job budget.
func (p *Pool) execute(ctx context.Context, workerID string, job types.QueueJob) {
	start := time.Now().UTC()
	entry := log.WithField("queue_id", job.ID).WithField("worker_id", workerID)
	entry.Info("job execution started")
	p.appendLog(job, workerID, "info", "start", "job execution started")

	jobTimeout := p.cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			entry.WithError(err).Warn("rate limiter wait aborted")
			p.onRetry(entry, job, err.Error())
			return
		}
	}

	if job.RequiresTemplateProcessing && job.TemplateID != "" {
		if err := template.EnsureRequested(p.tmpl, &job); err != nil {
			p.onRetry(entry, job, err.Error())
			return
		}
	}

	var attachments []types.Attachment
	if len(job.Attachments) > 0 {
		result := p.attach.ProcessAll(job.Attachments)
		if len(result.ValidationErrors) > 0 {
			p.failPermanent(entry, job, result.ValidationErrors[0].Error())
			return
		}
		attachments = result.Processed
	}

	msg := smtp.Message{
		To:          job.To,
		CC:          job.CC,
		BCC:         job.BCC,
		Subject:     job.Subject,
		Body:        job.Body,
		IsHTML:      job.IsHTML,
		Attachments: attachments,
	}

	sendTimeout := p.cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	sendCtx, sendCancel := context.WithTimeout(ctx, sendTimeout)
	outcome, reason := p.sender.Send(sendCtx, msg)
	sendCancel()
	duration := time.Since(start)

	switch outcome {
	case smtp.Sent:
		p.markSent(entry, job, duration)
	case smtp.PermanentFailure:
		p.failPermanent(entry, job, reason)
	default:
		p.onRetry(entry, job, reason)
	}
}

// appendLog writes a diagnostic ProcessingLog row for this job. Store
// errors are logged, never propagated — diagnostics must not affect the
// job's own outcome.
func (p *Pool) appendLog(job types.QueueJob, workerID, level, step, message string) {
	if p.store == nil {
		return
	}
	if err := p.store.AppendLog(types.ProcessingLog{
		Level:    level,
		Category: "worker",
		Message:  message,
		QueueID:  job.ID,
		WorkerID: workerID,
		Step:     step,
	}); err != nil {
		log.WithField("queue_id", job.ID).WithError(err).Warn("failed to persist worker processing log")
	}
}

func (p *Pool) markSent(entry *logrus.Entry, job types.QueueJob, duration time.Duration) {
	now := time.Now().UTC()
	if err := p.store.MarkSent(job.ID, now); err != nil {
		entry.WithError(err).Error("failed to mark job sent; leaving in Processing for reclaim")
		return
	}
	_ = p.store.AppendHistory(types.EmailHistory{
		ID:              job.ID + ":history",
		QueueID:         job.ID,
		To:              job.To,
		CC:              job.CC,
		BCC:             job.BCC,
		Subject:         job.Subject,
		FinalBody:       job.Body,
		Status:          types.StatusSent.String(),
		SentAt:          &now,
		TemplateID:      job.TemplateID,
		AttachmentCount: len(job.Attachments),
		RetryCount:      job.RetryCount,
		ProcessedBy:     job.ProcessedBy,
		CreatedAt:       now,
	})
	if p.metrics != nil {
		p.metrics.Record(metricscollector.ProcessingEvent{
			Kind:         metricscollector.EventEmailSent,
			Success:      true,
			Priority:     int(job.Priority),
			TemplateID:   job.TemplateID,
			ProcessingMs: float64(duration.Milliseconds()),
		})
	}
	p.appendLog(job, job.ProcessedBy, "info", "sent", "job sent")
	entry.Info("job sent")
}

func (p *Pool) failPermanent(entry *logrus.Entry, job types.QueueJob, reason string) {
	if err := p.store.MarkFailedPermanent(job.ID, reason); err != nil {
		entry.WithError(err).Error("failed to mark job permanently failed")
		return
	}
	now := time.Now().UTC()
	_ = p.store.AppendHistory(types.EmailHistory{
		ID:           job.ID + ":history",
		QueueID:      job.ID,
		To:           job.To,
		Subject:      job.Subject,
		FinalBody:    job.Body,
		Status:       types.StatusFailed.String(),
		TemplateID:   job.TemplateID,
		RetryCount:   job.RetryCount,
		ErrorDetails: reason,
		ProcessedBy:  job.ProcessedBy,
		CreatedAt:    now,
	})
	if p.metrics != nil {
		p.metrics.Record(metricscollector.ProcessingEvent{
			Kind:     metricscollector.EventEmailFailed,
			Success:  false,
			Priority: int(job.Priority),
		})
	}
	p.appendLog(job, job.ProcessedBy, "error", "failed", reason)
	entry.WithField("reason", reason).Warn("job permanently failed")
}

// onRetry implements the §4.6 retry policy: mark Failed once attempts
// exceed max_retries, otherwise requeue with exponential backoff + ±20%
// jitter.
func (p *Pool) onRetry(entry *logrus.Entry, job types.QueueJob, reason string) {
	attempt := job.RetryCount + 1
	maxRetries := p.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	if attempt > maxRetries {
		p.failPermanent(entry, job, reason)
		return
	}

	delay := backoffWithJitter(p.cfg.RetryBase, p.cfg.RetryMax, attempt)
	if err := p.store.RequeueWithBackoff(job.ID, attempt, delay, reason); err != nil {
		entry.WithError(err).Error("failed to requeue job with backoff")
		return
	}
	if p.metrics != nil {
		p.metrics.Record(metricscollector.ProcessingEvent{
			Kind:     metricscollector.EventEmailFailed,
			Success:  false,
			Priority: int(job.Priority),
		})
	}
	p.appendLog(job, job.ProcessedBy, "warn", "retry", reason)
	entry.WithField("attempt", attempt).WithField("delay", delay).Warn("job requeued for retry")
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if max <= 0 {
		max = time.Hour
	}

	raw := float64(base) * math.Pow(2, float64(attempt-1))
	if raw > float64(max) {
		raw = float64(max)
	}
	delay := time.Duration(raw)

	jitterRange := int64(float64(delay) * 0.4) // ±20% => 40% total span
	if jitterRange <= 0 {
		return delay
	}
	n, err := rand.Int(rand.Reader, big.NewInt(jitterRange))
	if err != nil {
		return delay
	}
	offset := time.Duration(n.Int64()) - time.Duration(jitterRange/2)
	return delay + offset
}
