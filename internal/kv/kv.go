// Package kv is the embedded key-value store shared by the client's durable
// write queue and offline cache.
package kv

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/cockroachdb/pebble/vfs"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = pebble.ErrNotFound

// DB is the subset of pebble used by the client stores.
type DB interface {
	// Get gets the value for the given key. It returns ErrNotFound if the DB
	// does not contain the key. On success, the caller MUST call closer.Close().
	Get(key []byte) (value []byte, closer io.Closer, err error)

	// NewIter returns an unpositioned iterator bounded by o.
	NewIter(o *pebble.IterOptions) (Iterator, error)

	// Set sets the value for the given key.
	Set(key, value []byte, o *pebble.WriteOptions) error

	// Delete deletes the value for the given key. Deletes of missing keys succeed.
	Delete(key []byte, o *pebble.WriteOptions) error

	// DeleteRange deletes all keys in [start, end).
	DeleteRange(start, end []byte, o *pebble.WriteOptions) error

	// NewBatch returns a new empty write-only batch.
	NewBatch() Batch

	// Close closes the database.
	Close() error
}

type Iterator interface {
	First() bool
	SeekGE(key []byte) bool
	Valid() bool
	Key() []byte
	Value() []byte
	Next() bool
	Error() error
	Close() error
}

type Batch interface {
	Set(key, value []byte, opt *pebble.WriteOptions) error
	Delete(key []byte, opt *pebble.WriteOptions) error
	Commit(o *pebble.WriteOptions) error
	Close() error
}

// Config configures the embedded store.
type Config struct {
	// Path is the directory holding the database.
	Path string `yaml:"path"`

	// InMemory keeps everything in memory; Path is ignored. Used for
	// ephemeral clients and tests.
	InMemory bool `yaml:"in_memory"`

	// BlockCacheSize is the size of the block cache in bytes.
	BlockCacheSize int64 `yaml:"block_cache_size"`

	// Logger for store operations.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Path:           "client.db",
		BlockCacheSize: 8 * 1024 * 1024,
	}
}

// Open opens the store. Failing to open it is the only unrecoverable
// setup error on the client and is returned as-is to the caller.
func Open(cfg Config) (*PebbleDB, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kv")

	cacheSize := cfg.BlockCacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultConfig().BlockCacheSize
	}
	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache: cache,
		Levels: []pebble.LevelOptions{
			{FilterPolicy: bloom.FilterPolicy(10)},
		},
	}

	path := cfg.Path
	if cfg.InMemory {
		opts.FS = vfs.NewMem()
		path = ""
	} else {
		if path == "" {
			return nil, errors.New("store path is required")
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	logger.Debug("Store opened", "path", path, "in_memory", cfg.InMemory)
	return &PebbleDB{db: db}, nil
}

// PebbleDB wraps a pebble.DB to implement the DB interface.
type PebbleDB struct {
	db *pebble.DB
}

func (p *PebbleDB) Get(key []byte) ([]byte, io.Closer, error) {
	return p.db.Get(key)
}

func (p *PebbleDB) NewIter(o *pebble.IterOptions) (Iterator, error) {
	return p.db.NewIter(o)
}

func (p *PebbleDB) Set(key, value []byte, o *pebble.WriteOptions) error {
	return p.db.Set(key, value, o)
}

func (p *PebbleDB) Delete(key []byte, o *pebble.WriteOptions) error {
	return p.db.Delete(key, o)
}

func (p *PebbleDB) DeleteRange(start, end []byte, o *pebble.WriteOptions) error {
	return p.db.DeleteRange(start, end, o)
}

func (p *PebbleDB) NewBatch() Batch {
	return p.db.NewBatch()
}

func (p *PebbleDB) Close() error {
	return p.db.Close()
}

// GetCopy returns a copy of the value for key, releasing pebble's buffer.
func GetCopy(db DB, key []byte) ([]byte, error) {
	value, closer, err := db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

// PrefixBounds returns the iteration bounds covering every key with prefix.
func PrefixBounds(prefix []byte) *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixEnd(prefix),
	}
}

// PrefixEnd returns the smallest key greater than every key with prefix.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff
}

// ScanPrefix calls fn for every key with prefix in ascending order. The
// slices passed to fn are only valid for the duration of the call.
func ScanPrefix(db DB, prefix []byte, fn func(key, value []byte) error) error {
	iter, err := db.NewIter(PrefixBounds(prefix))
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}
