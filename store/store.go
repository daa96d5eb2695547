// Package store is the Job Store (C1): the durable repository every
// other component goes through to read or mutate QueueJob,
// EmailTemplate, ScheduledEmail, EmailHistory, ProcessingLog and
// ServiceStatus rows. It is backed by bbolt, the teacher's embedded
// store, with one bucket per entity plus two secondary-index buckets:
// active templates by name and history rows by queue_id. There is no
// index for the dispatch query, scheduled_for or retry_count; ClaimBatch,
// ReclaimStale and QueueHealth scan the whole job bucket.
//
// bbolt serializes writable transactions process-wide, which gives
// ClaimBatch its SKIP-LOCKED-style atomicity for free: only one
// dispatcher (goroutine or, via bbolt's file lock, process) can be
// claiming jobs at an instant, and the claim and the status transition
// happen inside the same transaction.
package store

import (
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

const (
	bucketJobs            = "EmailQueue"
	bucketTemplates       = "EmailTemplates"
	bucketTemplatesByName = "EmailTemplatesByName"
	bucketScheduled       = "ScheduledEmails"
	bucketHistory         = "EmailHistory"
	bucketHistoryByQueue  = "EmailHistoryByQueue"
	bucketLogs            = "ProcessingLogs"
	bucketServiceStatus   = "ServiceStatus"
)

var allBuckets = []string{
	bucketJobs,
	bucketTemplates,
	bucketTemplatesByName,
	bucketScheduled,
	bucketHistory,
	bucketHistoryByQueue,
	bucketLogs,
	bucketServiceStatus,
}

// Store is the concrete bbolt-backed Job Store.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) a bbolt database at path and
// ensures every bucket required by the schema exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open store at %s", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialize store schema")
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
