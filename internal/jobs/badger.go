package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerCheckpoints stores markers in a badger database so a restarted
// process resumes where the last one stopped.
type BadgerCheckpoints struct {
	db *badger.DB
}

// OpenBadgerCheckpoints opens the marker database in dir. An empty dir
// selects in-memory mode, which is what the tests use.
func OpenBadgerCheckpoints(dir string) (*BadgerCheckpoints, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", dir, err)
	}
	return &BadgerCheckpoints{db: db}, nil
}

// Close releases the database.
func (c *BadgerCheckpoints) Close() error {
	return c.db.Close()
}

func (c *BadgerCheckpoints) Load(_ context.Context, job, scope string) (Marker, error) {
	var m Marker
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(checkpointKey(job, scope)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoCheckpoint
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	if err != nil {
		return Marker{}, err
	}
	return m, nil
}

func (c *BadgerCheckpoints) Save(_ context.Context, m Marker) error {
	if m.Updated.IsZero() {
		m.Updated = time.Now().UTC()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(checkpointKey(m.Job, m.Scope)), data)
	})
}

func (c *BadgerCheckpoints) Clear(_ context.Context, job, scope string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(checkpointKey(job, scope)))
	})
}
