// Package storage provides the run ledger: a BoltDB file recording every
// completed epoch, checkpoint, evaluation and export of a training run.
//
// Keys are zero padded so that cursor scans return records in epoch order.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"candle-trainer/internal/common"
)

const (
	epochsBucket      = "epochs"
	checkpointsBucket = "checkpoints"
	evaluationsBucket = "evaluations"
	exportsBucket     = "exports"
	metaBucket        = "meta"
)

var buckets = []string{epochsBucket, checkpointsBucket, evaluationsBucket, exportsBucket, metaBucket}

// Store is a BoltDB backed run ledger. It is safe for concurrent use.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the ledger file in dataPath.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, common.LedgerFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
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

// Path returns the database file path.
func (s *Store) Path() string { return s.db.Path() }

// Close closes the database. Closing twice is a no-op.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) put(bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", bucket, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

// scan decodes every record in bucket with from <= key <= to. Empty bounds
// are open.
func (s *Store) scan(bucket, from, to string, decode func([]byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucket)).Cursor()

		var k, v []byte
		if from == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(from))
		}
		for ; k != nil; k, v = c.Next() {
			if to != "" && bytes.Compare(k, []byte(to)) > 0 {
				break
			}
			if err := decode(v); err != nil {
				continue // Skip malformed records
			}
		}
		return nil
	})
}

func epochKey(epoch int) string {
	return fmt.Sprintf("%06d", epoch)
}

// SetRunID stores the run identifier if none is recorded yet and returns the
// identifier in effect.
func (s *Store) SetRunID(id string) (string, error) {
	current := id
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(metaBucket))
		if existing := b.Get([]byte("run_id")); existing != nil {
			current = string(existing)
			return nil
		}
		return b.Put([]byte("run_id"), []byte(id))
	})
	return current, err
}
