package store

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/mailforge/dispatchd/internal/types"
)

var ErrScheduledEmailNotFound = errors.New("scheduled email not found")

func (s *Store) InsertScheduledEmail(se types.ScheduledEmail) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketScheduled))
		encoded, err := json.Marshal(se)
		if err != nil {
			return errors.Wrap(err, "marshal scheduled email")
		}
		return errors.Wrap(b.Put([]byte(se.ScheduleID), encoded), "put scheduled email")
	})
}

func (s *Store) GetScheduledEmail(id string) (*types.ScheduledEmail, error) {
	var se types.ScheduledEmail
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketScheduled))
		v := b.Get([]byte(id))
		if v == nil {
			return ErrScheduledEmailNotFound
		}
		return errors.Wrap(json.Unmarshal(v, &se), "unmarshal scheduled email")
	})
	if err != nil {
		return nil, err
	}
	return &se, nil
}

// DueScheduledEmails returns every active ScheduledEmail whose
// NextRunTime is at or before now.
func (s *Store) DueScheduledEmails(now time.Time) ([]types.ScheduledEmail, error) {
	var due []types.ScheduledEmail
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketScheduled))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var se types.ScheduledEmail
			if err := json.Unmarshal(v, &se); err != nil {
				return errors.Wrap(err, "unmarshal scheduled email during due scan")
			}
			if !se.IsActive {
				continue
			}
			if se.NextRunTime.After(now) {
				continue
			}
			due = append(due, se)
		}
		return nil
	})
	return due, err
}

// SaveScheduledEmail overwrites a ScheduledEmail row in its own
// transaction. The Scheduler's promotion does not use it:
// PromoteDueScheduledEmail writes the new QueueJob and the updated
// schedule together in a single transaction.
func (s *Store) SaveScheduledEmail(se types.ScheduledEmail) error {
	return s.InsertScheduledEmail(se)
}

// PromoteDueScheduledEmail performs the full §4.7 promotion atomically:
// it reads the schedule, lets buildJob construct the QueueJob to enqueue,
// advances the schedule's next-run bookkeeping, and persists both the new
// QueueJob and the updated ScheduledEmail in one bbolt transaction.
func (s *Store) PromoteDueScheduledEmail(id string, now time.Time, buildJob func(types.ScheduledEmail) types.QueueJob, advance func(*types.ScheduledEmail)) (*types.QueueJob, error) {
	var job types.QueueJob
	err := s.db.Update(func(tx *bbolt.Tx) error {
		sb := tx.Bucket([]byte(bucketScheduled))
		v := sb.Get([]byte(id))
		if v == nil {
			return ErrScheduledEmailNotFound
		}
		var se types.ScheduledEmail
		if err := json.Unmarshal(v, &se); err != nil {
			return errors.Wrap(err, "unmarshal scheduled email")
		}
		if !se.IsActive || se.NextRunTime.After(now) {
			return nil // raced with another promotion; no-op
		}

		job = buildJob(se)
		job.UpdatedAt = now
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}

		jb := tx.Bucket([]byte(bucketJobs))
		encodedJob, err := json.Marshal(job)
		if err != nil {
			return errors.Wrap(err, "marshal promoted job")
		}
		if err := jb.Put([]byte(job.ID), encodedJob); err != nil {
			return errors.Wrap(err, "put promoted job")
		}

		se.ExecutionCount++
		se.LastExecutedAt = &now
		advance(&se)

		encodedSE, err := json.Marshal(se)
		if err != nil {
			return errors.Wrap(err, "marshal scheduled email")
		}
		return errors.Wrap(sb.Put([]byte(se.ScheduleID), encodedSE), "put scheduled email")
	})
	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, nil
	}
	return &job, nil
}
