package store

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/mailforge/dispatchd/internal/types"
)

// AppendLog writes a diagnostic ProcessingLog row under an
// auto-incrementing sequence key, so cursor order is insertion order.
func (s *Store) AppendLog(entry types.ProcessingLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketLogs))
		seq, err := b.NextSequence()
		if err != nil {
			return errors.Wrap(err, "allocate log sequence")
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		encoded, err := json.Marshal(entry)
		if err != nil {
			return errors.Wrap(err, "marshal log entry")
		}
		return errors.Wrap(b.Put(key, encoded), "put log entry")
	})
}

// RecentLogs returns up to limit of the most recently appended log rows.
func (s *Store) RecentLogs(limit int) ([]types.ProcessingLog, error) {
	var out []types.ProcessingLog
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketLogs))
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var entry types.ProcessingLog
			if err := json.Unmarshal(v, &entry); err != nil {
				return errors.Wrap(err, "unmarshal log entry")
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}
