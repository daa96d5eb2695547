package store

import (
	"encoding/json"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/mailforge/dispatchd/internal/types"
)

func serviceStatusKey(serviceName, machineName string) []byte {
	return []byte(serviceName + "|" + machineName)
}

// UpsertServiceStatus writes the one row per (service_name, machine_name)
// maintained by the Health Monitor's heartbeat loop.
func (s *Store) UpsertServiceStatus(status types.ServiceStatus) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketServiceStatus))
		encoded, err := json.Marshal(status)
		if err != nil {
			return errors.Wrap(err, "marshal service status")
		}
		key := serviceStatusKey(status.ServiceName, status.MachineName)
		return errors.Wrap(b.Put(key, encoded), "put service status")
	})
}

func (s *Store) GetServiceStatus(serviceName, machineName string) (*types.ServiceStatus, error) {
	var status types.ServiceStatus
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketServiceStatus))
		v := b.Get(serviceStatusKey(serviceName, machineName))
		if v == nil {
			return errors.New("service status not found")
		}
		return errors.Wrap(json.Unmarshal(v, &status), "unmarshal service status")
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (s *Store) ListServiceStatuses() ([]types.ServiceStatus, error) {
	var out []types.ServiceStatus
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketServiceStatus))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var status types.ServiceStatus
			if err := json.Unmarshal(v, &status); err != nil {
				return errors.Wrap(err, "unmarshal service status during list")
			}
			out = append(out, status)
		}
		return nil
	})
	return out, err
}
