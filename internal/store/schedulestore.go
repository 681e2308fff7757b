package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSchedules = []byte("schedules")

// ScheduleConfig is one cron-triggered or event-triggered workflow
// binding, persisted separately from the run/step ledger because it is
// read-heavy, rewritten rarely, and has no cross-row transactional need
// (DESIGN.md's two-store split).
type ScheduleConfig struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	TenantID       string         `json:"tenant_id"`
	CronExpr       string         `json:"cron_expr,omitempty"`
	EventFilter    string         `json:"event_filter,omitempty"`
	TriggerPayload map[string]any `json:"trigger_payload,omitempty"`
	Enabled        bool           `json:"enabled"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ScheduleStore persists ScheduleConfig rows in an embedded bbolt database,
// adapted from the teacher's WorkflowStore bucketSchedules handling in
// services/orchestrator/persistence.go.
type ScheduleStore struct {
	db *bolt.DB
}

// OpenScheduleStore opens (creating if absent) the bbolt file at path.
func OpenScheduleStore(path string) (*ScheduleStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSchedules)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &ScheduleStore{db: db}, nil
}

// Close releases the bbolt file handle.
func (s *ScheduleStore) Close() error { return s.db.Close() }

// Put inserts or replaces a schedule.
func (s *ScheduleStore) Put(cfg ScheduleConfig) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(cfg.ID), b)
	})
}

// Delete removes a schedule by id; a no-op if absent.
func (s *ScheduleStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(id))
	})
}

// Get returns one schedule by id.
func (s *ScheduleStore) Get(id string) (ScheduleConfig, bool, error) {
	var cfg ScheduleConfig
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSchedules).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &cfg)
	})
	return cfg, found, err
}

// List returns every persisted schedule, for CronTriggers.Start to restore
// on startup.
func (s *ScheduleStore) List() ([]ScheduleConfig, error) {
	var out []ScheduleConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(_, v []byte) error {
			var cfg ScheduleConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}
			out = append(out, cfg)
			return nil
		})
	})
	return out, err
}
