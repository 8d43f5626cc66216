// Package store persists recorded runs in a bolt database so that their
// schedules can be listed, inspected and replayed later.
//
// Layout: a top-level "runs" bucket holds one bucket per run ID. Each run
// bucket has a "meta" key, a "decisions" bucket keyed by big-endian step
// and a "logs" bucket holding one bucket of entries per replica.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/commitlog"
)

var (
	// ErrRunNotFound indicates an unknown run ID.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExists indicates a save under an ID already in use.
	ErrRunExists = errors.New("run already exists")
)

var (
	runsBucket      = []byte("runs")
	metaKey         = []byte("meta")
	decisionsBucket = []byte("decisions")
	logsBucket      = []byte("logs")
)

// Store is a bolt-backed run archive.
type Store struct {
	db     *bolt.DB
	logger *zap.Logger
}

// Open opens or creates the database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init %s: %w", path, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun stores a run under run.ID.
func (s *Store) SaveRun(run *Run) error {
	if run.ID == "" {
		return byzzbench.WrapConfigf("run id is required")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(runsBucket)
		if runs.Bucket([]byte(run.ID)) != nil {
			return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
		}
		b, err := runs.CreateBucket([]byte(run.ID))
		if err != nil {
			return err
		}
		if err := b.Put(metaKey, encodeMeta(run)); err != nil {
			return err
		}

		decisions, err := b.CreateBucket(decisionsBucket)
		if err != nil {
			return err
		}
		for i, r := range run.Records {
			if err := decisions.Put(itob(uint64(i)), encodeRecord(r)); err != nil {
				return err
			}
		}

		logs, err := b.CreateBucket(logsBucket)
		if err != nil {
			return err
		}
		for id, entries := range run.CommitLogs {
			lb, err := logs.CreateBucket([]byte(id))
			if err != nil {
				return err
			}
			for _, e := range entries {
				if err := lb.Put(itob(e.Seq), encodeEntry(e)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	s.logger.Info("saved run",
		zap.String("run", run.ID),
		zap.Int("decisions", len(run.Records)))
	return nil
}

// LoadRun reads a run back.
func (s *Store) LoadRun(id string) (*Run, error) {
	var run *Run
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(runsBucket).Bucket([]byte(id))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		var err error
		if run, err = decodeMeta(b.Get(metaKey)); err != nil {
			return err
		}
		run.ID = id

		err = b.Bucket(decisionsBucket).ForEach(func(_, v []byte) error {
			r, err := decodeRecord(v)
			if err != nil {
				return err
			}
			run.Records = append(run.Records, r)
			return nil
		})
		if err != nil {
			return err
		}

		run.CommitLogs = make(map[byzzbench.NodeID][]commitlog.Entry)
		logs := b.Bucket(logsBucket)
		return logs.ForEach(func(k, _ []byte) error {
			replica := byzzbench.NodeID(k)
			entries := []commitlog.Entry{}
			err := logs.Bucket(k).ForEach(func(_, v []byte) error {
				e, err := decodeEntry(v)
				if err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			})
			run.CommitLogs[replica] = entries
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the summaries of all stored runs, ordered by ID.
func (s *Store) ListRuns() ([]Summary, error) {
	var out []Summary
	err := s.db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket(runsBucket)
		return runs.ForEach(func(k, _ []byte) error {
			b := runs.Bucket(k)
			if b == nil {
				return nil
			}
			run, err := decodeMeta(b.Get(metaKey))
			if err != nil {
				return err
			}
			out = append(out, Summary{
				ID:         string(k),
				Protocol:   run.Config.Protocol,
				Behavior:   run.Config.Behavior,
				Scheduler:  run.Scheduler,
				Seed:       run.Config.Seed,
				Steps:      run.Steps,
				Decisions:  b.Bucket(decisionsBucket).Stats().KeyN,
				Violations: len(run.Violations),
				CreatedAt:  run.CreatedAt,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteRun removes a run.
func (s *Store) DeleteRun(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(runsBucket).DeleteBucket([]byte(id))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return err
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
