package summary

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// MetaCache persists part summaries in BadgerDB so repeat summaries of
// unchanged parts skip the footer read. Keys bind path, size, and mtime;
// a rewritten part naturally misses and gets re-read. Cache errors are
// never fatal, the footer read is the source of truth.
type MetaCache struct {
	db *badger.DB
}

// CacheConfig holds MetaCache settings.
type CacheConfig struct {
	// Path to the cache database directory.
	Path string
	// InMemory mode (for testing).
	InMemory bool
}

// OpenMetaCache opens or creates the metadata cache. Part summaries are tiny,
// so memory settings stay far below badger's defaults.
func OpenMetaCache(cfg CacheConfig) (*MetaCache, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(8 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(4 << 20).
		WithIndexCacheSize(2 << 20).
		WithMaxLevels(4).
		WithNumCompactors(2).
		WithValueLogFileSize(16 << 20).
		WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening metadata cache: %w", err)
	}
	return &MetaCache{db: db}, nil
}

// Close releases the underlying database.
func (c *MetaCache) Close() error {
	return c.db.Close()
}

// Get returns the cached summary for key, if any.
func (c *MetaCache) Get(key string) (*PartSummary, bool) {
	var ps PartSummary
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ps)
		})
	})
	if err != nil {
		return nil, false
	}
	return &ps, true
}

// Put stores the summary under key. Failures are ignored; the next lookup
// re-reads the footer.
func (c *MetaCache) Put(key string, ps *PartSummary) {
	data, err := json.Marshal(ps)
	if err != nil {
		return
	}
	_ = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func cacheKey(path string, st os.FileInfo) string {
	return fmt.Sprintf("%s|%d|%d", path, st.Size(), st.ModTime().UnixNano())
}
