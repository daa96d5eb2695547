// Package health implements the Health Monitor (C10): a heartbeat loop
// that upserts a ServiceStatus row every heartbeat_sec, and a set of
// probes (store, SMTP, process) whose worst classification becomes the
// row's overall status. Shaped after the teacher's monitor.Server
// stats-snapshot idiom (monitor/server.go's mutex-guarded CampaignStats),
// generalized from campaign progress to the spec's §4.10 probe set.
package health

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mailforge/dispatchd/internal/types"
	"github.com/mailforge/dispatchd/logger"
	"github.com/mailforge/dispatchd/metricscollector"
	"github.com/mailforge/dispatchd/smtp"
	"github.com/mailforge/dispatchd/store"
)

var log = logger.New("health")

// Thresholds named in §4.10: store probe >5s is Warning, SMTP probe >10s
// is Warning; either failing outright is Critical.
const (
	storeProbeWarn = 5 * time.Second
	smtpProbeWarn  = 10 * time.Second
)

// Config carries the Health Monitor's own tunables and the identity it
// reports under.
type Config struct {
	ServiceName       string
	MachineName       string
	Version           string
	HeartbeatInterval time.Duration
	MaxWorkers        int
	BatchSize         int

	// CPUWarnPercent/MemWarnMB classify the process probe; zero disables
	// that sub-check (always Healthy).
	CPUWarnPercent     float64
	CPUCriticalPercent float64
	MemWarnMB          float64
	MemCriticalMB      float64
}

// ActiveWorkersFunc reports how many workers currently hold a lease, for
// the ServiceStatus row's active_workers field.
type ActiveWorkersFunc func() int

// Monitor runs the heartbeat loop and keeps the latest overall
// classification, readable through LastStatus (the Alert Manager's
// snapshot uses it) without re-probing.
type Monitor struct {
	cfg           Config
	store         *store.Store
	sender        smtp.Sender
	metrics       *metricscollector.Collector
	activeWorkers ActiveWorkersFunc
	startedAt     time.Time

	mu         sync.Mutex
	lastError  string
	lastStatus types.ServiceHealth
	lastCPU    float64
	lastRUTime time.Time
	lastRUCPU  time.Duration
}

func New(cfg Config, st *store.Store, sender smtp.Sender, metrics *metricscollector.Collector, activeWorkers ActiveWorkersFunc) *Monitor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "dispatchd"
	}
	if cfg.MachineName == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.MachineName = hostname
		} else {
			cfg.MachineName = "unknown"
		}
	}
	return &Monitor{
		cfg:           cfg,
		store:         st,
		sender:        sender,
		metrics:       metrics,
		activeWorkers: activeWorkers,
		startedAt:     time.Now().UTC(),
		lastStatus:    types.HealthHealthy,
	}
}

// Run blocks until ctx is cancelled, upserting a heartbeat on every tick.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	m.Heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("health monitor stopping")
			return
		case <-ticker.C:
			m.Heartbeat(ctx)
		}
	}
}

// Heartbeat runs every probe, classifies overall health as the worst
// result, and upserts the ServiceStatus row per §4.10.
func (m *Monitor) Heartbeat(ctx context.Context) types.ServiceHealth {
	now := time.Now().UTC()

	storeHealth, storeErr := m.probeStore(ctx)
	smtpHealth := m.probeSMTP(ctx)
	processHealth, cpuPct, memMB := m.probeProcess()

	overall := types.Worse(types.Worse(storeHealth, smtpHealth), processHealth)

	qh, err := m.store.QueueHealth(now)
	if err != nil {
		log.WithError(err).Error("queue_health scan failed during heartbeat")
	}

	active := 0
	if m.activeWorkers != nil {
		active = m.activeWorkers()
	}

	var sent, failed int64
	var avgMs float64
	if m.metrics != nil {
		snap := m.metrics.Snapshot(now, 0)
		sent, failed, avgMs = snap.TotalSent, snap.TotalFailed, snap.AvgProcessingMs
	}

	lastErr := ""
	if storeErr != nil {
		lastErr = storeErr.Error()
	}
	m.mu.Lock()
	if lastErr != "" {
		m.lastError = lastErr
	}
	m.lastStatus = overall
	m.lastCPU = cpuPct
	recordedLastError := m.lastError
	m.mu.Unlock()

	status := types.ServiceStatus{
		ServiceName:     m.cfg.ServiceName,
		MachineName:     m.cfg.MachineName,
		Status:          overall,
		LastHeartbeat:   now,
		QueueDepth:      qh.Depth,
		ErrorRate:       errorRate(sent, failed),
		AvgProcessingMs: avgMs,
		CPUPercent:      cpuPct,
		MemoryMB:        memMB,
		ActiveWorkers:   active,
		MaxWorkers:      m.cfg.MaxWorkers,
		BatchSize:       m.cfg.BatchSize,
		Version:         m.cfg.Version,
		StartedAt:       m.startedAt,
		TotalProcessed:  sent + failed,
		TotalFailed:     failed,
		UptimeSec:       int64(now.Sub(m.startedAt).Seconds()),
		LastError:       recordedLastError,
	}

	if err := m.store.UpsertServiceStatus(status); err != nil {
		log.WithError(err).Error("failed to upsert service status")
	}
	if overall != types.HealthHealthy {
		if err := m.store.AppendLog(types.ProcessingLog{
			Level:       strings.ToLower(string(overall)),
			Category:    "health",
			Message:     fmt.Sprintf("heartbeat classified %s (store=%s smtp=%s process=%s)", overall, storeHealth, smtpHealth, processHealth),
			MachineName: m.cfg.MachineName,
		}); err != nil {
			log.WithError(err).Error("failed to persist health processing log")
		}
	}
	if m.metrics != nil {
		m.metrics.Record(metricscollector.ProcessingEvent{Kind: metricscollector.EventHealthCheck, OccurredAt: now})
	}

	log.WithField("status", overall).
		WithField("store", storeHealth).
		WithField("smtp", smtpHealth).
		WithField("process", processHealth).
		Debug("heartbeat recorded")

	return overall
}

func errorRate(sent, failed int64) float64 {
	total := sent + failed
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// probeStore runs a SELECT-1-equivalent plus a counting query (here,
// QueueHealth's bucket scan) and times it; >5s is Warning, a hard
// failure is Critical.
func (m *Monitor) probeStore(ctx context.Context) (types.ServiceHealth, error) {
	start := time.Now()
	_, err := m.store.QueueHealth(time.Now().UTC())
	elapsed := time.Since(start)

	if err != nil {
		log.WithError(err).Warn("store probe failed")
		return types.HealthCritical, err
	}
	if elapsed > storeProbeWarn {
		log.WithField("elapsed", elapsed).Warn("store probe slow")
		return types.HealthWarning, nil
	}
	return types.HealthHealthy, nil
}

// probeSMTP calls the Sender's TestConnection and times it; >10s is
// Warning, a failed connection is Critical.
func (m *Monitor) probeSMTP(ctx context.Context) types.ServiceHealth {
	if m.sender == nil {
		return types.HealthHealthy
	}
	start := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	ok := m.sender.TestConnection(probeCtx)
	elapsed := time.Since(start)

	if !ok {
		log.Warn("smtp test_connection failed")
		return types.HealthCritical
	}
	if elapsed > smtpProbeWarn {
		log.WithField("elapsed", elapsed).Warn("smtp probe slow")
		return types.HealthWarning
	}
	return types.HealthHealthy
}

// probeProcess classifies the process's own resource usage: CPU% since
// the previous probe (via getrusage, no third-party process-metrics
// library appears anywhere in the corpus) and heap memory from
// runtime.MemStats, against the configured thresholds.
func (m *Monitor) probeProcess() (types.ServiceHealth, float64, float64) {
	var ru syscall.Rusage
	var cpuPct float64
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err == nil {
		cpuTime := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond +
			time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond

		now := time.Now()
		m.mu.Lock()
		if !m.lastRUTime.IsZero() {
			wall := now.Sub(m.lastRUTime)
			cpuDelta := cpuTime - m.lastRUCPU
			if wall > 0 {
				cpuPct = 100 * float64(cpuDelta) / float64(wall) / float64(runtime.NumCPU())
			}
		}
		m.lastRUTime = now
		m.lastRUCPU = cpuTime
		m.mu.Unlock()
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memMB := float64(mem.Alloc) / (1024 * 1024)

	health := types.HealthHealthy
	if m.cfg.MemCriticalMB > 0 && memMB >= m.cfg.MemCriticalMB {
		health = types.HealthCritical
	} else if m.cfg.MemWarnMB > 0 && memMB >= m.cfg.MemWarnMB {
		health = types.HealthWarning
	}
	if m.cfg.CPUCriticalPercent > 0 && cpuPct >= m.cfg.CPUCriticalPercent {
		health = types.Worse(health, types.HealthCritical)
	} else if m.cfg.CPUWarnPercent > 0 && cpuPct >= m.cfg.CPUWarnPercent {
		health = types.Worse(health, types.HealthWarning)
	}

	return health, cpuPct, memMB
}

// LastStatus returns the classification recorded by the most recent
// heartbeat, for the Alert Manager's cpu_health/health_status predicates.
func (m *Monitor) LastStatus() types.ServiceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastStatus
}
