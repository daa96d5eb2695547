// cmd/dispatchd is the engine's minimal process entrypoint: it loads
// config, opens the store, and wires every background loop (Dispatcher,
// Worker Pool, Scheduler, Archiver, Health Monitor, Alert Manager)
// together with a shared shutdown signal. The submission API itself is
// out of scope (spec non-goal); this binary only runs the dispatch core.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/mailforge/dispatchd/alert"
	"github.com/mailforge/dispatchd/archiver"
	"github.com/mailforge/dispatchd/attachment"
	"github.com/mailforge/dispatchd/config"
	"github.com/mailforge/dispatchd/dispatcher"
	"github.com/mailforge/dispatchd/health"
	"github.com/mailforge/dispatchd/internal/ratelimit"
	"github.com/mailforge/dispatchd/logger"
	"github.com/mailforge/dispatchd/metricscollector"
	"github.com/mailforge/dispatchd/scheduler"
	"github.com/mailforge/dispatchd/smtp"
	"github.com/mailforge/dispatchd/store"
	"github.com/mailforge/dispatchd/template"
	"github.com/mailforge/dispatchd/workerpool"
)

var log = logger.New("main")

func main() {
	var (
		configPath   string
		storePath    string
		workerCount  int
		batchSize    int
		pollInterval time.Duration
	)

	pflag.StringVar(&configPath, "config", "", "path to dispatchd JSON config file (required)")
	pflag.StringVar(&storePath, "store", "", "override the bbolt store path from config")
	pflag.IntVar(&workerCount, "workers", 0, "override worker_count from config")
	pflag.IntVar(&batchSize, "batch-size", 0, "override batch_size from config")
	pflag.DurationVar(&pollInterval, "poll-interval", 0, "override poll_interval from config")
	pflag.Parse()

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "dispatchd: --config is required")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if storePath != "" {
		cfg.StorePath = storePath
	}
	if workerCount > 0 {
		cfg.WorkerCount = workerCount
	}
	if batchSize > 0 {
		cfg.BatchSize = batchSize
	}
	if pollInterval > 0 {
		cfg.PollInterval = pollInterval
	}

	if err := run(cfg); err != nil {
		log.WithError(err).Fatal("dispatchd exited with error")
	}
}

func run(cfg *config.EngineConfig) error {
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sender := smtp.NewClient(cfg.SMTP)
	tmplCache := template.NewCache(st)
	attachProc := attachment.NewProcessor(cfg.MaxAttachmentBytes)
	metrics := metricscollector.New()
	limiter := ratelimit.NewRateLimiter(cfg.EmailsPerSecond, cfg.RateBurst)

	pool := workerpool.New(
		workerpool.Config{
			WorkerCount: cfg.WorkerCount,
			MaxRetries:  cfg.MaxRetries,
			RetryBase:   cfg.RetryBase,
			RetryMax:    cfg.RetryMax,
			SendTimeout: cfg.SMTP.SendTimeout,
			JobTimeout:  cfg.JobTimeout,
		},
		st, sender, tmplCache, attachProc, metrics, limiter,
	)

	disp := dispatcher.New(dispatcher.Config{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
		StaleLease:   cfg.StaleLease,
	}, st, pool)

	sched := scheduler.New(st, cfg.SchedulerTick, disp.Wake)

	arch := archiver.New(archiver.Config{
		Retention:       cfg.HistoryRetention,
		PurgeInterval:   cfg.PurgeInterval,
		ArchiveInterval: cfg.ArchiveInterval,
		ArchiveAge:      cfg.ArchiveAge,
	}, st)

	mon := health.New(health.Config{
		ServiceName:       "dispatchd",
		Version:           "dev",
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxWorkers:        cfg.WorkerCount,
		BatchSize:         cfg.BatchSize,
		CPUWarnPercent:    75,
		CPUCriticalPercent: 90,
		MemWarnMB:         512,
		MemCriticalMB:     1024,
	}, st, sender, metrics, func() int { return cfg.WorkerCount - pool.AvailableSlots() })

	alertMgr := alert.NewManager(alert.LogNotifier{}, st)
	for _, rule := range alert.DefaultRules() {
		if err := alertMgr.AddRule(rule); err != nil {
			return fmt.Errorf("install default alert rule %s: %w", rule.ID, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	go disp.Run(ctx)
	go disp.ReclaimLoop(ctx, cfg.StaleLease/2)
	go sched.Run(ctx)
	go arch.Run(ctx)
	go mon.Run(ctx)
	go alertMgr.Run(ctx, cfg.AlertEvalInterval, func() alert.Context {
		return alertSnapshot(st, metrics, mon)
	})

	log.WithField("store", cfg.StorePath).
		WithField("workers", cfg.WorkerCount).
		Info("dispatchd started")

	<-ctx.Done()
	log.Info("shutdown signal received; draining in-flight jobs")

	grace, cancel := context.WithTimeout(context.Background(), cfg.GraceShutdown)
	defer cancel()
	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("worker pool drained cleanly")
	case <-grace.Done():
		log.Warn("grace period expired; abandoning in-flight leases for reclaim on next start")
	}

	return nil
}

// alertSnapshot assembles the Alert Manager's Context from the current
// Metrics snapshot and queue/health state, per §4.11. The Health Monitor
// reports only its overall classification, so CPUHealthRank carries the
// same rank as HealthStatusRank: the cpu_degraded rule fires on any
// non-Healthy heartbeat, not on the process probe alone.
func alertSnapshot(st *store.Store, metrics *metricscollector.Collector, mon *health.Monitor) alert.Context {
	now := time.Now().UTC()
	snap := metrics.Snapshot(now, 5)
	qh, err := st.QueueHealth(now)
	if err != nil {
		log.WithError(err).Error("queue_health failed while building alert snapshot")
	}

	failureRate := 0.0
	if total := snap.TotalSent + snap.TotalFailed; total > 0 {
		failureRate = float64(snap.TotalFailed) / float64(total)
	}

	return alert.Context{
		FailureRate24h:   failureRate,
		SuccessRate24h:   snap.SuccessRate,
		PendingDepth:     qh.Depth,
		OldestQueuedMin:  qh.OldestQueuedMin,
		AvgProcessingMs:  snap.AvgProcessingMs,
		CPUHealthRank:    alert.HealthRank(string(mon.LastStatus())),
		HealthStatusRank: alert.HealthRank(string(mon.LastStatus())),
	}
}
