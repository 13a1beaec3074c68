// Package telemetry ingests per-device performance logs into an
// append-only entry store and projects them into unified experiment
// records.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/bramblectl/bramble/models"
)

// ErrRunNotFound is returned when a run record is not in the store.
var ErrRunNotFound = errors.New("run not found")

// Store persists telemetry entries and run records. Entries are
// append-only; run records become immutable once terminal.
type Store interface {
	AppendEntries(runID string, entries []models.TelemetryEntry) error
	Entries(runID string) ([]models.TelemetryEntry, error)

	SaveRun(run *models.RunRecord) error
	GetRun(id string) (*models.RunRecord, error)
	ListRuns() ([]*models.RunRecord, error)

	Close() error
}

// BadgerStore implements Store with Badger.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the store at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil // badger's own logging is too chatty for a CLI
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry store at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func runKey(id string) []byte {
	return []byte("run:" + id)
}

func entryPrefix(runID string) []byte {
	return []byte("telemetry:" + runID + ":")
}

func entryKey(runID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("telemetry:%s:%016d", runID, seq))
}

// AppendEntries appends a batch of entries for one run.
func (s *BadgerStore) AppendEntries(runID string, entries []models.TelemetryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	seq, err := s.db.GetSequence([]byte("seq:"+runID), uint64(len(entries)))
	if err != nil {
		return fmt.Errorf("failed to reserve entry sequence: %w", err)
	}
	defer seq.Release()

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for i := range entries {
		n, err := seq.Next()
		if err != nil {
			return fmt.Errorf("failed to advance entry sequence: %w", err)
		}
		data, err := json.Marshal(&entries[i])
		if err != nil {
			return fmt.Errorf("failed to marshal telemetry entry: %w", err)
		}
		if err := wb.Set(entryKey(runID, n), data); err != nil {
			return err
		}
	}

	return wb.Flush()
}

// Entries returns all stored entries for a run, in append order.
func (s *BadgerStore) Entries(runID string) ([]models.TelemetryEntry, error) {
	var out []models.TelemetryEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := entryPrefix(runID)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var e models.TelemetryEntry
				if err := json.Unmarshal(v, &e); err != nil {
					return err
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveRun writes a run record.
func (s *BadgerStore) SaveRun(run *models.RunRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return txn.Set(runKey(run.ID), data)
	})
}

// GetRun reads one run record.
func (s *BadgerStore) GetRun(id string) (*models.RunRecord, error) {
	var out models.RunRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrRunNotFound, id)
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns returns every stored run record.
func (s *BadgerStore) ListRuns() ([]*models.RunRecord, error) {
	var out []*models.RunRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte("run:")
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var r models.RunRecord
				if err := json.Unmarshal(v, &r); err != nil {
					return err
				}
				out = append(out, &r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
