// Package kv provides a small marker store backed by BadgerDB. The gateway
// uses it to remember one-shot notifications (group allowlist hints) for the
// lifetime of an instance, or across restarts when a directory is configured.
package kv

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("KV is closed")

type KV struct {
	db       *badger.DB
	memory   bool
	closed   bool
	closedMu sync.RWMutex
}

// Options for KV store
type Options struct {
	Dir          string // Data directory (ignored in memory mode)
	SyncWrites   bool   // Sync writes to disk
	Compression  bool   // Enable compression
	MemoryMode   bool   // In-memory only (no persistence)
	MaxCacheSize int64  // Block cache size in MB
}

// DefaultOptions returns default options. An empty dir selects memory mode.
func DefaultOptions(dir string) Options {
	if dir == "" {
		return Options{MemoryMode: true, MaxCacheSize: 16}
	}
	return Options{
		Dir:          dir,
		SyncWrites:   false, // Async for performance
		Compression:  true,
		MaxCacheSize: 64,
	}
}

// Open opens a KV store
func Open(opt Options) (*KV, error) {
	if !opt.MemoryMode && opt.Dir == "" {
		return nil, fmt.Errorf("kv dir required unless memory mode is set")
	}

	opts := badger.DefaultOptions(opt.Dir)
	if opt.MemoryMode {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = opt.SyncWrites
	opts.Logger = nil

	if opt.Compression && !opt.MemoryMode {
		opts.Compression = options.ZSTD
	}
	if opt.MaxCacheSize > 0 {
		opts.BlockCacheSize = opt.MaxCacheSize << 20
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger failed: %w", err)
	}

	log.Printf("[KV] Opened: %s (memory: %v)", opt.Dir, opt.MemoryMode)
	return &KV{db: db, memory: opt.MemoryMode}, nil
}

// OpenMemory opens an in-memory store
func OpenMemory() (*KV, error) {
	return Open(DefaultOptions(""))
}

// Close closes the KV store
func (k *KV) Close() error {
	k.closedMu.Lock()
	defer k.closedMu.Unlock()

	if k.closed {
		return nil
	}

	k.closed = true
	return k.db.Close()
}

// MarkOnce records key and reports true only for the first caller. Concurrent
// callers racing on the same key see exactly one true.
func (k *KV) MarkOnce(key string, ttl time.Duration) (bool, error) {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()

	if k.closed {
		return false, ErrClosed
	}

	for {
		marked := false
		err := k.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get([]byte(key))
			if err == nil {
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			e := badger.NewEntry([]byte(key), []byte(time.Now().UTC().Format(time.RFC3339)))
			if ttl > 0 {
				e = e.WithTTL(ttl)
			}
			marked = true
			return txn.SetEntry(e)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return marked, err
	}
}

// GC reclaims value log space on disk-backed stores. It is a no-op in
// memory mode and when nothing is worth rewriting.
func (k *KV) GC() error {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()

	if k.closed {
		return ErrClosed
	}
	if k.memory {
		return nil
	}

	for {
		err := k.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
