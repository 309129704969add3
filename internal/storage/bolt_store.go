package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	jobBucket      = "jobs"
	metricBucket   = "metrics"
	costBucket     = "costs"
	podcastBucket  = "podcasts"
	settingsBucket = "settings"
)

var allBuckets = []string{jobBucket, metricBucket, costBucket, podcastBucket, settingsBucket}

// BoltStore implements every store interface on a single BoltDB file.
type BoltStore struct {
	db              *bolt.DB
	cleanupMu       sync.Mutex
	lastCleanup     atomic.Int64
	jobRetention    time.Duration
	cleanupInterval time.Duration
	claimTimeout    time.Duration
}

var (
	_ JobStore      = (*BoltStore)(nil)
	_ MetricStore   = (*BoltStore)(nil)
	_ Ledger        = (*BoltStore)(nil)
	_ PodcastStore  = (*BoltStore)(nil)
	_ SettingsStore = (*BoltStore)(nil)
)

// openBolt initializes the BoltDB file and its buckets.
func openBolt(path string, opts Options) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	store := &BoltStore{
		db:              db,
		jobRetention:    opts.JobRetention,
		cleanupInterval: opts.CleanupInterval,
		claimTimeout:    opts.ClaimTimeout,
	}
	store.lastCleanup.Store(time.Now().Unix())
	return store, nil
}

// Close closes the BoltDB store.
func (b *BoltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// MaybeCleanup purges finished jobs past retention on a fixed cadence.
func (b *BoltStore) MaybeCleanup(now time.Time) (int, error) {
	if b == nil || b.db == nil {
		return 0, nil
	}

	last := time.Unix(b.lastCleanup.Load(), 0)
	if now.Sub(last) < b.cleanupInterval {
		return 0, nil
	}

	b.cleanupMu.Lock()
	defer b.cleanupMu.Unlock()

	last = time.Unix(b.lastCleanup.Load(), 0)
	if now.Sub(last) < b.cleanupInterval {
		return 0, nil
	}

	n, err := b.PurgeFinished(now.Add(-b.jobRetention))
	if err == nil {
		b.lastCleanup.Store(now.Unix())
	}
	return n, err
}

func bucket(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	bk := tx.Bucket([]byte(name))
	if bk == nil {
		return nil, fmt.Errorf("%s bucket missing", name)
	}
	return bk, nil
}

func putJSON(bk *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return bk.Put(key, raw)
}

func itob(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// podcastKey keeps podcasts ordered by id; ids are non-negative.
func podcastKey(id int64) []byte {
	return itob(uint64(id))
}
