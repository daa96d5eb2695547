package store

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/mailforge/dispatchd/internal/types"
)

// ErrJobNotFound is returned when a queue_id has no row.
var ErrJobNotFound = errors.New("job not found")

// ErrStatusConflict is returned by UpdateStatus when the row's status no
// longer matches the status the caller read.
var ErrStatusConflict = errors.New("job status changed since last read")

func (s *Store) InsertJob(job types.QueueJob) (string, error) {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}

	var inserted string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketJobs))
		if existing := b.Get([]byte(job.ID)); existing != nil {
			// Idempotent no-op: duplicate insert on a unique queue_id.
			inserted = job.ID
			return nil
		}
		encoded, err := json.Marshal(job)
		if err != nil {
			return errors.Wrap(err, "marshal job")
		}
		inserted = job.ID
		return errors.Wrap(b.Put([]byte(job.ID), encoded), "put job")
	})
	if err != nil {
		return "", err
	}
	return inserted, nil
}

func (s *Store) GetJob(id string) (*types.QueueJob, error) {
	var job types.QueueJob
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketJobs))
		v := b.Get([]byte(id))
		if v == nil {
			return ErrJobNotFound
		}
		return errors.Wrap(json.Unmarshal(v, &job), "unmarshal job")
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) putJob(tx *bbolt.Tx, job *types.QueueJob) error {
	job.UpdatedAt = time.Now().UTC()
	encoded, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	b := tx.Bucket([]byte(bucketJobs))
	return errors.Wrap(b.Put([]byte(job.ID), encoded), "put job")
}

// UpdateStatus performs an optimistic-concurrency transition: it only
// applies mutate if the stored row's status still equals expected.
func (s *Store) UpdateStatus(id string, expected types.Status, mutate func(*types.QueueJob)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketJobs))
		v := b.Get([]byte(id))
		if v == nil {
			return ErrJobNotFound
		}
		var job types.QueueJob
		if err := json.Unmarshal(v, &job); err != nil {
			return errors.Wrap(err, "unmarshal job")
		}
		if job.Status != expected {
			return ErrStatusConflict
		}
		mutate(&job)
		return s.putJob(tx, &job)
	})
}

// ClaimBatch atomically selects at most batchSize Queued jobs that are
// either unscheduled or due, ordered by (priority DESC, created_at ASC),
// transitions them to Processing with lease fields set, and returns them.
func (s *Store) ClaimBatch(now time.Time, batchSize int, workerID string) ([]types.QueueJob, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	var claimed []types.QueueJob
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketJobs))

		var candidates []types.QueueJob
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job types.QueueJob
			if err := json.Unmarshal(v, &job); err != nil {
				return errors.Wrap(err, "unmarshal job during claim scan")
			}
			if job.Status != types.StatusQueued {
				continue
			}
			if job.IsScheduled && job.ScheduledFor != nil && job.ScheduledFor.After(now) {
				continue
			}
			candidates = append(candidates, job)
		}

		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority > candidates[j].Priority
			}
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})

		if len(candidates) > batchSize {
			candidates = candidates[:batchSize]
		}

		for i := range candidates {
			job := candidates[i]
			started := now
			job.Status = types.StatusProcessing
			job.ProcessingStartedAt = &started
			job.ProcessedBy = workerID
			if err := s.putJob(tx, &job); err != nil {
				return err
			}
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReclaimStale transitions Processing jobs whose lease is older than
// staleAfter back to Queued, incrementing retry_count.
func (s *Store) ReclaimStale(now time.Time, staleAfter time.Duration) ([]types.QueueJob, error) {
	var reclaimed []types.QueueJob
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketJobs))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job types.QueueJob
			if err := json.Unmarshal(v, &job); err != nil {
				return errors.Wrap(err, "unmarshal job during reclaim scan")
			}
			if job.Status != types.StatusProcessing || job.ProcessingStartedAt == nil {
				continue
			}
			if now.Sub(*job.ProcessingStartedAt) < staleAfter {
				continue
			}
			job.Status = types.StatusQueued
			job.RetryCount++
			job.ProcessingStartedAt = nil
			job.ProcessedBy = ""
			job.IsScheduled = false
			job.ScheduledFor = nil
			if err := s.putJob(tx, &job); err != nil {
				return err
			}
			reclaimed = append(reclaimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}

// RequeueWithBackoff returns a job to Queued with a future scheduled_for,
// recording the attempt number and the error that triggered the retry.
func (s *Store) RequeueWithBackoff(id string, attempt int, delay time.Duration, lastError string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketJobs))
		v := b.Get([]byte(id))
		if v == nil {
			return ErrJobNotFound
		}
		var job types.QueueJob
		if err := json.Unmarshal(v, &job); err != nil {
			return errors.Wrap(err, "unmarshal job")
		}
		runAt := time.Now().UTC().Add(delay)
		job.Status = types.StatusQueued
		job.ScheduledFor = &runAt
		job.IsScheduled = true
		job.RetryCount = attempt
		job.LastError = lastError
		job.ProcessingStartedAt = nil
		job.ProcessedBy = ""
		return s.putJob(tx, &job)
	})
}

// MarkSent transitions a job to its terminal Sent state.
func (s *Store) MarkSent(id string, sentAt time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketJobs))
		v := b.Get([]byte(id))
		if v == nil {
			return ErrJobNotFound
		}
		var job types.QueueJob
		if err := json.Unmarshal(v, &job); err != nil {
			return errors.Wrap(err, "unmarshal job")
		}
		job.Status = types.StatusSent
		job.SentAt = &sentAt
		job.ProcessedAt = &sentAt
		return s.putJob(tx, &job)
	})
}

// MarkFailedPermanent transitions a job to its terminal Failed state.
func (s *Store) MarkFailedPermanent(id string, reason string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketJobs))
		v := b.Get([]byte(id))
		if v == nil {
			return ErrJobNotFound
		}
		var job types.QueueJob
		if err := json.Unmarshal(v, &job); err != nil {
			return errors.Wrap(err, "unmarshal job")
		}
		now := time.Now().UTC()
		job.Status = types.StatusFailed
		job.LastError = reason
		job.ProcessedAt = &now
		return s.putJob(tx, &job)
	})
}

// Cancel transitions a Queued job to Cancelled. It conflicts if the job
// is already Processing or terminal.
func (s *Store) Cancel(id string) error {
	return s.UpdateStatus(id, types.StatusQueued, func(job *types.QueueJob) {
		job.Status = types.StatusCancelled
	})
}

// ListFilter narrows ListJobs.
type ListFilter struct {
	Status   *types.Status
	Priority *types.Priority
}

// ListJobs returns a page of jobs matching filter, newest-created first.
func (s *Store) ListJobs(filter ListFilter, page, pageSize int) ([]types.QueueJob, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}

	var matched []types.QueueJob
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketJobs))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job types.QueueJob
			if err := json.Unmarshal(v, &job); err != nil {
				return errors.Wrap(err, "unmarshal job during list scan")
			}
			if filter.Status != nil && job.Status != *filter.Status {
				continue
			}
			if filter.Priority != nil && job.Priority != *filter.Priority {
				continue
			}
			matched = append(matched, job)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// QueueHealthSnapshot is the payload behind queue_health().
type QueueHealthSnapshot struct {
	Depth            int
	Queued           int
	Processing       int
	Failed           int
	Scheduled        int
	AvgProcessingMin float64
	OldestQueuedMin  float64
}

// QueueHealth scans the job bucket once and computes the §6 queue_health() view.
func (s *Store) QueueHealth(now time.Time) (QueueHealthSnapshot, error) {
	var snap QueueHealthSnapshot
	var processingDurationsSec float64
	var processingCount int
	var oldestQueued *time.Time

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketJobs))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job types.QueueJob
			if err := json.Unmarshal(v, &job); err != nil {
				return errors.Wrap(err, "unmarshal job during health scan")
			}
			switch job.Status {
			case types.StatusQueued:
				snap.Queued++
				if oldestQueued == nil || job.CreatedAt.Before(*oldestQueued) {
					t := job.CreatedAt
					oldestQueued = &t
				}
			case types.StatusProcessing:
				snap.Processing++
			case types.StatusFailed:
				snap.Failed++
			}
			if job.IsScheduled && !job.Status.Terminal() {
				snap.Scheduled++
			}
			if job.ProcessingStartedAt != nil && job.ProcessedAt != nil {
				processingDurationsSec += job.ProcessedAt.Sub(*job.ProcessingStartedAt).Seconds()
				processingCount++
			}
			if !job.Status.Terminal() {
				snap.Depth++
			}
		}
		return nil
	})
	if err != nil {
		return snap, err
	}

	if processingCount > 0 {
		snap.AvgProcessingMin = processingDurationsSec / float64(processingCount) / 60.0
	}
	if oldestQueued != nil {
		snap.OldestQueuedMin = now.Sub(*oldestQueued).Minutes()
	}
	return snap, nil
}
