package store

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/mailforge/dispatchd/internal/types"
)

// AppendHistory writes an append-only EmailHistory row and indexes it by
// queue_id so HistoryByQueueID is an index lookup rather than a scan.
func (s *Store) AppendHistory(h types.EmailHistory) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketHistory))
		encoded, err := json.Marshal(h)
		if err != nil {
			return errors.Wrap(err, "marshal history row")
		}
		if err := b.Put([]byte(h.ID), encoded); err != nil {
			return errors.Wrap(err, "put history row")
		}
		idx := tx.Bucket([]byte(bucketHistoryByQueue))
		return errors.Wrap(idx.Put([]byte(h.QueueID), []byte(h.ID)), "index history by queue_id")
	})
}

func (s *Store) HistoryByQueueID(queueID string) (*types.EmailHistory, error) {
	var h types.EmailHistory
	err := s.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket([]byte(bucketHistoryByQueue))
		historyID := idx.Get([]byte(queueID))
		if historyID == nil {
			return errors.New("no history for queue_id")
		}
		b := tx.Bucket([]byte(bucketHistory))
		v := b.Get(historyID)
		if v == nil {
			return errors.New("dangling history index entry")
		}
		return errors.Wrap(json.Unmarshal(v, &h), "unmarshal history row")
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// PurgeTerminalJobsOlderThan deletes QueueJob rows in a terminal status
// whose updated_at predates the retention window and which already have
// a corresponding EmailHistory row (the audit trail survives the purge).
func (s *Store) PurgeTerminalJobsOlderThan(now time.Time, retention time.Duration) (int, error) {
	cutoff := now.Add(-retention)
	purged := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket([]byte(bucketJobs))
		idx := tx.Bucket([]byte(bucketHistoryByQueue))

		var toDelete [][]byte
		c := jobs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job types.QueueJob
			if err := json.Unmarshal(v, &job); err != nil {
				return errors.Wrap(err, "unmarshal job during purge scan")
			}
			if !job.Status.Terminal() {
				continue
			}
			if job.UpdatedAt.After(cutoff) {
				continue
			}
			if job.Status != types.StatusCancelled && idx.Get([]byte(job.ID)) == nil {
				continue // wait for history to land before purging
			}
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}
		for _, k := range toDelete {
			if err := jobs.Delete(k); err != nil {
				return errors.Wrap(err, "delete purged job")
			}
			purged++
		}
		return nil
	})
	return purged, err
}

// ArchiveHistoryOlderThan stamps archived_at on history rows older than
// the given cutoff. Archived rows remain queryable through this same
// store — "moving to cold storage" is a policy decision left to the
// caller (e.g. a follow-up export), not a different code path.
func (s *Store) ArchiveHistoryOlderThan(now time.Time, age time.Duration) (int, error) {
	cutoff := now.Add(-age)
	archived := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketHistory))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var h types.EmailHistory
			if err := json.Unmarshal(v, &h); err != nil {
				return errors.Wrap(err, "unmarshal history during archive scan")
			}
			if h.ArchivedAt != nil || h.CreatedAt.After(cutoff) {
				continue
			}
			stamp := now
			h.ArchivedAt = &stamp
			encoded, err := json.Marshal(h)
			if err != nil {
				return errors.Wrap(err, "marshal archived history row")
			}
			if err := b.Put(k, encoded); err != nil {
				return errors.Wrap(err, "put archived history row")
			}
			archived++
		}
		return nil
	})
	return archived, err
}
