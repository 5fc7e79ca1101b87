// Package results persists finished runs and queues their reports for upload.
//
// A single bbolt database holds two buckets: "runs" keeps one record per
// finished run keyed by run ID (the history shown by `history` and the API),
// and "pending_reports" is an auto-increment queue of reports awaiting upload
// to the reporting server. Run output itself stays in the run's log file;
// records carry only status, result and timings.
package results

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	runsBucket    = "runs"
	pendingBucket = "pending_reports"
)

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// Record is the persisted summary of a finished run.
type Record struct {
	ID         string    `json:"id"`
	ScriptName string    `json:"script_name"`
	ScriptPath string    `json:"script_path"`
	LogFile    string    `json:"log_file"`
	Source     string    `json:"source"`
	Status     string    `json:"status"`
	Result     any       `json:"result"`
	ExitCode   int       `json:"exit_code"`
	TimedOut   bool      `json:"timed_out"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Report is a queued upload of a finished run.
type Report struct {
	Seq    uint64  `json:"seq"`
	Record *Record `json:"run"`
}

// Store provides persistent storage for run history and pending reports.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store database, creating its directory.
func Open(dbPath string) (*Store, error) {
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
		for _, name := range []string{runsBucket, pendingBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Save stores rec, replacing any record with the same ID. When report is true
// the record is also queued for upload in the same transaction.
func (s *Store) Save(rec *Record, report bool) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", rec.ID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(runsBucket)).Put([]byte(rec.ID), data); err != nil {
			return err
		}
		if !report {
			return nil
		}

		b := tx.Bucket([]byte(pendingBucket))
		seq, _ := b.NextSequence()
		r, err := json.Marshal(&Report{Seq: seq, Record: rec})
		if err != nil {
			return err
		}
		return b.Put(itob(seq), r)
	})
}

// Get returns the record for a run ID.
func (s *Store) Get(id string) (*Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(runsBucket)).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Recent returns up to limit records, newest first. limit <= 0 returns all.
func (s *Store) Recent(limit int) ([]*Record, error) {
	var recs []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(runsBucket)).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].StartedAt.After(recs[j].StartedAt)
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// Delete removes a run record. Unknown IDs are ignored.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(runsBucket)).Delete([]byte(id))
	})
}

// Pending retrieves up to limit queued reports (oldest first).
func (s *Store) Pending(limit int) ([]*Report, error) {
	var reports []*Report

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(pendingBucket)).Cursor()
		for k, v := c.First(); k != nil && len(reports) < limit; k, v = c.Next() {
			var r Report
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			reports = append(reports, &r)
		}
		return nil
	})

	return reports, err
}

// Ack removes uploaded reports by sequence number.
func (s *Store) Ack(seqs []uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(pendingBucket))
		for _, seq := range seqs {
			if err := b.Delete(itob(seq)); err != nil {
				return err
			}
		}
		return nil
	})
}

// PendingCount returns the number of queued reports.
func (s *Store) PendingCount() (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(pendingBucket)).Stats().KeyN
		return nil
	})
	return count, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// itob converts uint64 to big-endian bytes for ordered keys
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
