// Package logger provides the structured logging helper shared by every
// background component of the dispatch engine.
package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	root     *logrus.Logger
	rootOnce sync.Once
)

// Root returns the process-wide logrus instance, configured once with a
// JSON formatter and the level from DISPATCHD_LOG_LEVEL (info by default).
func Root() *logrus.Logger {
	rootOnce.Do(func() {
		root = logrus.New()
		root.SetOutput(os.Stderr)
		root.SetFormatter(&logrus.JSONFormatter{})
		level := logrus.InfoLevel
		if v := os.Getenv("DISPATCHD_LOG_LEVEL"); v != "" {
			if parsed, err := logrus.ParseLevel(v); err == nil {
				level = parsed
			}
		}
		root.SetLevel(level)
	})
	return root
}

// New returns a logger entry scoped to a component name, e.g.
// logger.New("dispatcher") or logger.New("worker").WithField("worker_id", id).
func New(component string) *logrus.Entry {
	return Root().WithField("component", component)
}
