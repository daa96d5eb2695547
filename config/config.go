// Package config loads the engine's JSON configuration file. Config
// file loading itself is peripheral to the dispatch engine (spec
// non-goal), but every component is constructed from this struct, so it
// still lives here in the teacher's LoadConfig/setDefaults/validate shape.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type SMTPConfig struct {
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Username           string        `json:"username"`
	Password           string        `json:"password"`
	From               string        `json:"from"`
	UseTLS             bool          `json:"use_tls"`
	InsecureSkipVerify bool          `json:"insecure_skip_verify"`
	ConnectionTimeout  time.Duration `json:"connection_timeout"`
	SendTimeout        time.Duration `json:"send_timeout"`
}

// EngineConfig is the full set of tunables named in the spec's §6
// Configuration enumeration.
type EngineConfig struct {
	SMTP SMTPConfig `json:"smtp"`

	WorkerCount        int           `json:"worker_count"`
	BatchSize          int           `json:"batch_size"`
	PollInterval       time.Duration `json:"poll_interval"`
	MaxRetries         int           `json:"max_retries"`
	RetryBase          time.Duration `json:"retry_base"`
	RetryMax           time.Duration `json:"retry_max"`
	StaleLease         time.Duration `json:"stale_lease"`
	MaxAttachmentBytes int64         `json:"max_attachment_bytes"`
	HeartbeatInterval  time.Duration `json:"heartbeat_interval"`
	AlertEvalInterval  time.Duration `json:"alert_eval_interval"`
	HistoryRetention   time.Duration `json:"history_retention"`
	GraceShutdown      time.Duration `json:"grace_shutdown"`
	SchedulerTick      time.Duration `json:"scheduler_tick"`

	PurgeInterval   time.Duration `json:"purge_interval"`
	ArchiveInterval time.Duration `json:"archive_interval"`
	ArchiveAge      time.Duration `json:"archive_age"`

	// JobTimeout bounds a single job's end-to-end wall clock (§5); an
	// exceeded timeout is treated as a RetryableFailure.
	JobTimeout time.Duration `json:"job_timeout"`

	// EmailsPerSecond/RateBurst throttle the Worker Pool's SMTP sends
	// (0 = unlimited).
	EmailsPerSecond int `json:"emails_per_second"`
	RateBurst       int `json:"rate_burst"`

	StorePath string `json:"store_path"`
}

// LoadConfig reads JSON config from disk and returns a parsed EngineConfig.
// It never terminates the process; callers should handle returned errors.
func LoadConfig(path string) (*EngineConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			fmt.Printf("warning: failed to close config file: %v\n", closeErr)
		}
	}()

	var cfg EngineConfig
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config JSON: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// setDefaults applies the defaults named in the spec's Configuration table.
func (c *EngineConfig) setDefaults() {
	if c.SMTP.ConnectionTimeout == 0 {
		c.SMTP.ConnectionTimeout = 10 * time.Second
	}
	if c.SMTP.SendTimeout == 0 {
		c.SMTP.SendTimeout = 30 * time.Second
	}
	if c.SMTP.Port == 0 {
		if c.SMTP.UseTLS {
			c.SMTP.Port = 587
		} else {
			c.SMTP.Port = 25
		}
	}

	if c.WorkerCount == 0 {
		c.WorkerCount = 8
	}
	if c.BatchSize == 0 {
		c.BatchSize = 50
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.RetryBase == 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMax == 0 {
		c.RetryMax = 3600 * time.Second
	}
	if c.StaleLease == 0 {
		c.StaleLease = 600 * time.Second
	}
	if c.MaxAttachmentBytes == 0 {
		c.MaxAttachmentBytes = 25 * 1024 * 1024
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.AlertEvalInterval == 0 {
		c.AlertEvalInterval = 120 * time.Second
	}
	if c.HistoryRetention == 0 {
		c.HistoryRetention = 7 * 24 * time.Hour
	}
	if c.GraceShutdown == 0 {
		c.GraceShutdown = 30 * time.Second
	}
	if c.SchedulerTick == 0 {
		c.SchedulerTick = 30 * time.Second
	}
	if c.PurgeInterval == 0 {
		c.PurgeInterval = 24 * time.Hour
	}
	if c.ArchiveInterval == 0 {
		c.ArchiveInterval = 30 * 24 * time.Hour
	}
	if c.ArchiveAge == 0 {
		c.ArchiveAge = 30 * 24 * time.Hour
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.StorePath == "" {
		c.StorePath = "dispatchd.db"
	}
}

// validate checks required config fields and limits.
func (c *EngineConfig) validate() error {
	if c.SMTP.Host == "" {
		return fmt.Errorf("SMTP host is required")
	}
	if c.SMTP.From == "" {
		return fmt.Errorf("SMTP from address is required")
	}
	if c.WorkerCount <= 0 || c.WorkerCount > 256 {
		return fmt.Errorf("worker_count must be between 1 and 256")
	}
	if c.BatchSize <= 0 || c.BatchSize > 10000 {
		return fmt.Errorf("batch_size must be between 1 and 10000")
	}
	if c.MaxRetries < 0 || c.MaxRetries > 50 {
		return fmt.Errorf("max_retries must be between 0 and 50")
	}
	if c.MaxAttachmentBytes <= 0 {
		return fmt.Errorf("max_attachment_bytes must be positive")
	}
	if c.EmailsPerSecond < 0 {
		return fmt.Errorf("emails_per_second must not be negative")
	}
	if c.RateBurst < 0 {
		return fmt.Errorf("rate_burst must not be negative")
	}
	return nil
}
