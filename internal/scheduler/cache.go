// Package scheduler runs configured scripts periodically.
//
// Schedules come from configuration; their runtime state (next and last run)
// lives in a small bbolt database so that a restart neither re-runs a
// schedule early nor forgets one that became due while the runner was down.
package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stha-sanket/RPA-App/internal/config"
)

const scheduleBucket = "schedules"

// State is a schedule plus its persisted runtime state.
type State struct {
	Name            string    `json:"name"`
	Script          string    `json:"script"`
	Cron            string    `json:"cron,omitempty"`
	IntervalMinutes int       `json:"interval_minutes,omitempty"`
	NextRunAt       time.Time `json:"next_run_at"`
	LastRunAt       time.Time `json:"last_run_at,omitempty"`
	LastRunID       string    `json:"last_run_id,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

// sameTrigger reports whether two states describe the same script and timing.
func (s *State) sameTrigger(o *State) bool {
	return s.Script == o.Script && s.Cron == o.Cron && s.IntervalMinutes == o.IntervalMinutes
}

// StateCache provides persistent storage for schedule state.
type StateCache struct {
	db     *bolt.DB
	parser *CronParser
}

// OpenStateCache opens or creates the schedule state database.
func OpenStateCache(dbPath string) (*StateCache, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(scheduleBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &StateCache{
		db:     db,
		parser: NewCronParser(),
	}, nil
}

// Sync makes the cache match the configured schedules. Known schedules whose
// script and trigger are unchanged keep their state; changed or new ones get
// a fresh next run; schedules no longer configured are removed.
func (c *StateCache) Sync(schedules []config.Schedule, now time.Time) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(scheduleBucket))

		wanted := make(map[string]bool, len(schedules))
		for _, sc := range schedules {
			wanted[sc.Name] = true

			next := &State{
				Name:            sc.Name,
				Script:          sc.Script,
				Cron:            sc.Cron,
				IntervalMinutes: sc.IntervalMinutes,
			}
			if data := b.Get([]byte(sc.Name)); data != nil {
				var prev State
				if err := json.Unmarshal(data, &prev); err == nil && prev.sameTrigger(next) {
					continue
				}
			}
			next.NextRunAt = c.NextRun(next, now)

			data, err := json.Marshal(next)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(sc.Name), data); err != nil {
				return err
			}
		}

		var stale [][]byte
		err := b.ForEach(func(k, _ []byte) error {
			if !wanted[string(k)] {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Save stores or updates a schedule state.
func (c *StateCache) Save(s *State) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(scheduleBucket)).Put([]byte(s.Name), data)
	})
}

// Get retrieves a schedule state by name. It returns nil if unknown.
func (c *StateCache) Get(name string) (*State, error) {
	var s *State
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(scheduleBucket)).Get([]byte(name))
		if data == nil {
			return nil
		}
		s = &State{}
		return json.Unmarshal(data, s)
	})
	return s, err
}

// Due returns schedules whose next run is at or before now.
func (c *StateCache) Due(now time.Time) ([]*State, error) {
	all, err := c.All()
	if err != nil {
		return nil, err
	}
	var due []*State
	for _, s := range all {
		if !s.NextRunAt.After(now) {
			due = append(due, s)
		}
	}
	return due, nil
}

// All returns every cached schedule state.
func (c *StateCache) All() ([]*State, error) {
	var states []*State

	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(scheduleBucket)).ForEach(func(_, v []byte) error {
			var s State
			if err := json.Unmarshal(v, &s); err != nil {
				return nil // Skip invalid entries
			}
			states = append(states, &s)
			return nil
		})
	})

	return states, err
}

// Close closes the database.
func (c *StateCache) Close() error {
	return c.db.Close()
}

// NextRun determines the next execution time of s after now.
func (c *StateCache) NextRun(s *State, now time.Time) time.Time {
	if s.Cron != "" {
		next, err := c.parser.NextRun(s.Cron, now)
		if err != nil {
			return now.Add(time.Hour)
		}
		return next
	}
	return now.Add(time.Duration(s.IntervalMinutes) * time.Minute)
}
