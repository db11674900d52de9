// Package journal is a durable, append-only log of interaction events backed by
// BadgerDB. It is replayed into the interaction store at startup.
package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/models"
)

const (
	entryPrefix      = "ix:"
	sequenceKey      = "meta:seq"
	sequenceLeaseLen = 128
)

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal closed")

// Journal appends interactions under monotonically increasing keys.
type Journal struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *zap.Logger
	mu     sync.Mutex
	closed bool
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(j *Journal) {
		if l != nil {
			j.logger = l
		}
	}
}

// Open opens (or creates) the journal at path. An empty path opens an
// in-memory journal that is lost on Close.
func Open(path string, opts ...Option) (*Journal, error) {
	j := &Journal{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(j)
	}

	bopts := badger.DefaultOptions(path)
	if path == "" {
		bopts = bopts.WithInMemory(true)
	}
	bopts.SyncWrites = true
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("%w: open journal: %v", models.ErrIO, err)
	}
	seq, err := db.GetSequence([]byte(sequenceKey), sequenceLeaseLen)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: journal sequence: %v", models.ErrIO, err)
	}
	j.db = db
	j.seq = seq
	j.logger.Info("interaction journal opened", zap.String("path", path), zap.Bool("in_memory", path == ""))
	return j, nil
}

func entryKey(n uint64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], n)
	return key
}

// Append durably stores one interaction. Appends are serialized so key order
// matches call order.
func (j *Journal) Append(in models.Interaction) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal interaction: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	n, err := j.seq.Next()
	if err != nil {
		return fmt.Errorf("%w: next sequence: %v", models.ErrIO, err)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(entryKey(n), data))
	})
	if err != nil {
		return fmt.Errorf("%w: write interaction: %v", models.ErrIO, err)
	}
	return nil
}

// Replay calls fn for every stored interaction in append order and returns how
// many were delivered. Entries that fail to decode are logged and skipped.
func (j *Journal) Replay(ctx context.Context, fn func(models.Interaction) error) (int, error) {
	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	count := 0
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(entryPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var in models.Interaction
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &in)
			})
			if err != nil {
				j.logger.Warn("skipping undecodable journal entry",
					zap.Binary("key", item.KeyCopy(nil)), zap.Error(err))
				continue
			}
			if err := fn(in); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("replay journal: %w", err)
	}
	j.logger.Info("interaction journal replayed", zap.Int("entries", count))
	return count, nil
}

// Count returns the number of stored interactions.
func (j *Journal) Count() (int, error) {
	count := 0
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(entryPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close releases the sequence lease and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.seq.Release(); err != nil {
		j.logger.Warn("release journal sequence", zap.Error(err))
	}
	return j.db.Close()
}
