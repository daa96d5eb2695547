// Package archiver implements the History & Archiver (C8): a daily
// purge loop and a monthly archive loop, both built on the store's own
// PurgeTerminalJobsOlderThan/ArchiveHistoryOlderThan operations. Shaped
// after the teacher's periodic-loop idiom used throughout the engine
// (its own independent ticker, its own logger, a common run(ctx)
// contract shared with Dispatcher/Scheduler/Health/Alerts).
package archiver

import (
	"context"
	"time"

	"github.com/mailforge/dispatchd/logger"
	"github.com/mailforge/dispatchd/store"
)

var log = logger.New("archiver")

// Config carries the Archiver's own tunables.
type Config struct {
	Retention       time.Duration // age past terminal at which QueueJob rows purge
	ArchiveAge      time.Duration // age at which EmailHistory rows get archived_at stamped
	PurgeInterval   time.Duration
	ArchiveInterval time.Duration
}

// Archiver runs the purge and archive loops independently so a slow
// archive pass never delays the next day's purge.
type Archiver struct {
	cfg   Config
	store *store.Store
}

func New(cfg Config, st *store.Store) *Archiver {
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = 24 * time.Hour
	}
	if cfg.ArchiveInterval <= 0 {
		cfg.ArchiveInterval = 30 * 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.ArchiveAge <= 0 {
		cfg.ArchiveAge = 30 * 24 * time.Hour
	}
	return &Archiver{cfg: cfg, store: st}
}

// Run blocks until ctx is cancelled, driving both the purge and archive
// loops on their own tickers.
func (a *Archiver) Run(ctx context.Context) {
	purgeTicker := time.NewTicker(a.cfg.PurgeInterval)
	archiveTicker := time.NewTicker(a.cfg.ArchiveInterval)
	defer purgeTicker.Stop()
	defer archiveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("archiver loop stopping")
			return
		case <-purgeTicker.C:
			a.purgeOnce(time.Now().UTC())
		case <-archiveTicker.C:
			a.archiveOnce(time.Now().UTC())
		}
	}
}

// purgeOnce removes terminal QueueJob rows older than the retention
// window whose history has already landed.
func (a *Archiver) purgeOnce(now time.Time) {
	purged, err := a.store.PurgeTerminalJobsOlderThan(now, a.cfg.Retention)
	if err != nil {
		log.WithError(err).Error("purge_terminal_jobs failed")
		return
	}
	if purged > 0 {
		log.WithField("count", purged).Info("purged terminal jobs")
	}
}

// archiveOnce stamps archived_at on history rows older than ArchiveAge.
func (a *Archiver) archiveOnce(now time.Time) {
	archived, err := a.store.ArchiveHistoryOlderThan(now, a.cfg.ArchiveAge)
	if err != nil {
		log.WithError(err).Error("archive_history failed")
		return
	}
	if archived > 0 {
		log.WithField("count", archived).Info("archived history rows")
	}
}
