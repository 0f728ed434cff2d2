package btrstore

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
)

// Config carries everything Open needs. Only Path is required.
type Config struct {
	// Path of the backing file; created when absent.
	Path string
	// BufferPoolSize is the page cache capacity in pages. 0 means the
	// default of 1000.
	BufferPoolSize int
	// SyncOnWrite makes every page and header write fdatasync before
	// returning. Off by default.
	SyncOnWrite bool
	// MaxLeafKeys / MaxInteriorKeys cap the number of keys per node, for
	// visualization and testing. 0 leaves splitting to the byte-level
	// page-full signal; when set, each must be at least 2.
	MaxLeafKeys     int
	MaxInteriorKeys int
	// Logger receives structured events. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidConfig)
	}
	if c.BufferPoolSize < 0 {
		return fmt.Errorf("%w: negative buffer pool size", ErrInvalidConfig)
	}
	if c.MaxLeafKeys < 0 || c.MaxLeafKeys == 1 {
		return fmt.Errorf("%w: maxLeafKeys must be 0 or >= 2", ErrInvalidConfig)
	}
	if c.MaxInteriorKeys < 0 || c.MaxInteriorKeys == 1 {
		return fmt.Errorf("%w: maxInteriorKeys must be 0 or >= 2", ErrInvalidConfig)
	}
	return nil
}

// Db is a single-file key/value store backed by a disk-resident B-tree.
// Readers run concurrently; writers are exclusive. All methods are safe
// for use from multiple goroutines.
type Db struct {
	rw     sync.RWMutex
	s      *diskStorage
	cache  *pageCache
	tree   *bTree
	stat   *iStat
	logger *slog.Logger
}

// Open opens or creates the store described by cfg. An existing non-empty
// file must carry a valid header (magic, version, page size, checksum) or
// Open fails with a CorruptionError.
func Open(cfg Config) (*Db, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.BufferPoolSize == 0 {
		cfg.BufferPoolSize = defaultBufferPoolSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	st := new(iStat)
	s := newDiskStorage(cfg.Path, cfg.SyncOnWrite, cfg.Logger, st)
	if err := s.init(); err != nil {
		_ = s.close()
		return nil, err
	}
	cache := newPageCache(s, cfg.BufferPoolSize, cfg.Logger, st)
	tree := newBTree(cache, cfg.MaxLeafKeys, cfg.MaxInteriorKeys, cfg.Logger)
	return &Db{
		s:      s,
		cache:  cache,
		tree:   tree,
		stat:   st,
		logger: cfg.Logger,
	}, nil
}

// Put inserts key/value, overwriting any existing value for key.
func (db *Db) Put(key, value []byte) error {
	if len(key) > MaxKeySize {
		return &KeyTooLargeError{Size: len(key), Max: MaxKeySize}
	}
	if len(value) > MaxValueSize {
		return &ValueTooLargeError{Size: len(value), Max: MaxValueSize}
	}
	db.rw.Lock()
	defer db.rw.Unlock()
	return db.tree.put(key, value)
}

// Get returns the value stored under key. The second return is false when
// the key is absent.
func (db *Db) Get(key []byte) ([]byte, bool, error) {
	db.rw.RLock()
	defer db.rw.RUnlock()
	return db.tree.get(key)
}

// Contains reports whether key is present.
func (db *Db) Contains(key []byte) (bool, error) {
	db.rw.RLock()
	defer db.rw.RUnlock()
	_, found, err := db.tree.get(key)
	return found, err
}

// Delete removes key, reporting whether it was present.
func (db *Db) Delete(key []byte) (bool, error) {
	db.rw.Lock()
	defer db.rw.Unlock()
	return db.tree.delete(key)
}

// Iter calls fn for every pair in ascending key order until fn returns
// false. Key and value slices are the caller's to keep.
func (db *Db) Iter(fn func(key, value []byte) bool) error {
	return db.Range(nil, nil, fn)
}

// Range calls fn for every pair with start <= key < end in ascending
// order. A nil bound is unbounded on that side.
func (db *Db) Range(start, end []byte, fn func(key, value []byte) bool) error {
	db.rw.RLock()
	defer db.rw.RUnlock()
	cur := newCursor(db.cache)
	var (
		ok  bool
		err error
	)
	if start == nil {
		ok, err = cur.first(db.tree.root)
	} else {
		ok, err = cur.seek(db.tree.root, start)
	}
	for err == nil && ok {
		var key, value []byte
		key, value, err = cur.current()
		if err != nil {
			break
		}
		if end != nil && bytes.Compare(key, end) >= 0 {
			break
		}
		if !fn(key, value) {
			break
		}
		ok, err = cur.next()
	}
	return err
}

// Flush writes every dirty page back through the disk manager and rewrites
// the file header.
func (db *Db) Flush() error {
	db.rw.RLock()
	defer db.rw.RUnlock()
	return db.cache.flushAll()
}

// Stats reports the raw page count (header page included), the configured
// buffer pool capacity and the current tree height.
func (db *Db) Stats() Stats {
	db.rw.RLock()
	defer db.rw.RUnlock()
	return Stats{
		PageCount:      db.s.pageCount(),
		BufferPoolSize: db.cache.capacity,
		TreeHeight:     db.tree.height,
	}
}

// ExportStat snapshots the runtime counters.
func (db *Db) ExportStat() ExportStat {
	return db.stat.export()
}

// Close flushes all dirty state and closes the backing file. Closing an
// already-closed store is a no-op.
func (db *Db) Close() error {
	db.rw.Lock()
	defer db.rw.Unlock()
	if db.s.file == nil {
		return nil
	}
	if err := db.cache.flushAll(); err != nil {
		_ = db.s.close()
		return err
	}
	db.logger.Info("closed store", "path", db.s.path)
	return db.s.close()
}
