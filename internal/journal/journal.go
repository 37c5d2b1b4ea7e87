// Package journal persists transfer checkpoints in BadgerDB so an
// interrupted transfer can resume after a restart.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/ferry/pkg/logging"
)

// Direction of a transfer relative to the local machine.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// ErrNotFound is returned when no checkpoint matches.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint records how far a transfer got.
type Checkpoint struct {
	ID        uuid.UUID `json:"id"`
	Direction Direction `json:"direction"`
	URL       string    `json:"url"`
	Local     string    `json:"local"`
	// Length is the size of the source when the transfer started.
	Length       int64     `json:"length"`
	LocalModTime time.Time `json:"local_mod_time"`
	Transferred  int64     `json:"transferred"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Matches reports whether the local file is unchanged since the checkpoint
// was written, which is required before an upload resumes from it.
func (c Checkpoint) Matches(info os.FileInfo) bool {
	return info.Size() == c.Length && info.ModTime().Equal(c.LocalModTime)
}

// Store wraps BadgerDB for checkpoint operations.
type Store struct {
	db    *badger.DB
	clock clock.Clock
	log   *logrus.Entry
}

// Option customizes a Store.
type Option func(*Store)

// WithClock sets the clock stamping UpdatedAt.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open opens (or creates) a journal at path.
func Open(path string, opts ...Option) (*Store, error) {
	return open(badger.DefaultOptions(path).WithLogger(nil), opts)
}

// OpenInMemory opens a journal that lives only as long as the process.
func OpenInMemory(opts ...Option) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil), opts)
}

func open(bopts badger.Options, opts []Option) (*Store, error) {
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	s := &Store{db: db, clock: clock.New(), log: logging.For("journal")}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the BadgerDB.
func (s *Store) Close() error {
	return s.db.Close()
}

const (
	checkpointPrefix = "checkpoint:"
	idPrefix         = "id:"
)

func checkpointKey(dir Direction, url, local string) []byte {
	return []byte(checkpointPrefix + string(dir) + "\x00" + url + "\x00" + local)
}

func idKey(id uuid.UUID) []byte {
	return []byte(idPrefix + id.String())
}

// Put stores c, replacing the checkpoint of the same transfer. A zero ID
// is reused from the stored checkpoint or freshly generated.
func (s *Store) Put(c Checkpoint) (Checkpoint, error) {
	key := checkpointKey(c.Direction, c.URL, c.Local)
	err := s.db.Update(func(txn *badger.Txn) error {
		prev, err := get(txn, key)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case c.ID == uuid.Nil:
			c.ID = prev.ID
		case c.ID != prev.ID:
			if err := txn.Delete(idKey(prev.ID)); err != nil {
				return err
			}
		}
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.UpdatedAt = s.clock.Now().UTC()
		val, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := txn.Set(key, val); err != nil {
			return err
		}
		return txn.Set(idKey(c.ID), key)
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to store checkpoint: %w", err)
	}
	s.log.WithFields(logrus.Fields{"id": c.ID, "url": c.URL, "transferred": c.Transferred}).Debug("checkpoint stored")
	return c, nil
}

func get(txn *badger.Txn, key []byte) (Checkpoint, error) {
	var c Checkpoint
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &c)
	})
	return c, err
}

// Find returns the checkpoint of the transfer between url and local.
func (s *Store) Find(dir Direction, url, local string) (Checkpoint, error) {
	var c Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = get(txn, checkpointKey(dir, url, local))
		return err
	})
	return c, err
}

// Get returns the checkpoint with id.
func (s *Store) Get(id uuid.UUID) (Checkpoint, error) {
	var c Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		c, err = get(txn, key)
		return err
	})
	return c, err
}

// Delete removes the checkpoint with id. Deleting a missing checkpoint is
// not an error.
func (s *Store) Delete(id uuid.UUID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(idKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(idKey(id))
	})
}

// List returns every checkpoint ordered by key.
func (s *Store) List() ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(checkpointPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var c Checkpoint
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	return out, err
}
