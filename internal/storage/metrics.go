package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
	bolt "go.etcd.io/bbolt"
)

// Metric keys sort by podcast, platform, then fetch time so the last key under
// a prefix is the latest record.

func metricPrefix(podcastID int64, platform domain.Platform) []byte {
	if platform == "" {
		return []byte(fmt.Sprintf("%020d/", podcastID))
	}
	return []byte(fmt.Sprintf("%020d/%s/", podcastID, platform))
}

func metricKey(rec domain.MetricRecord) []byte {
	return append(metricPrefix(rec.PodcastID, rec.Platform), []byte(fmt.Sprintf("%020d/%s", rec.FetchedAt.UnixNano(), rec.ID))...)
}

// SaveFetch writes a metric record and its cost log entry in one transaction.
func (b *BoltStore) SaveFetch(rec domain.MetricRecord, entry domain.CostLogEntry) (domain.MetricRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = time.Now().UTC()
	}
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = rec.FetchedAt
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}
	entry.Metadata["metrics_id"] = rec.ID

	err := b.db.Update(func(tx *bolt.Tx) error {
		metrics, err := bucket(tx, metricBucket)
		if err != nil {
			return err
		}
		if err := putJSON(metrics, metricKey(rec), rec); err != nil {
			return err
		}
		_, err = appendCost(tx, entry)
		return err
	})
	if err != nil {
		return domain.MetricRecord{}, fmt.Errorf("save fetch: %w", err)
	}
	return rec, nil
}

// Latest returns the newest record for a podcast on one platform.
func (b *BoltStore) Latest(podcastID int64, platform domain.Platform) (domain.MetricRecord, bool, error) {
	var rec domain.MetricRecord
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		metrics, err := bucket(tx, metricBucket)
		if err != nil {
			return err
		}
		prefix := metricPrefix(podcastID, platform)
		c := metrics.Cursor()
		var last []byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			last = v
		}
		if last == nil {
			return nil
		}
		found = true
		return json.Unmarshal(last, &rec)
	})
	if err != nil {
		return domain.MetricRecord{}, false, fmt.Errorf("latest metrics: %w", err)
	}
	return rec, found, nil
}

// LatestForPodcast returns the newest record per platform for a podcast.
func (b *BoltStore) LatestForPodcast(podcastID int64) (map[domain.Platform]domain.MetricRecord, error) {
	out := make(map[domain.Platform]domain.MetricRecord)
	err := b.db.View(func(tx *bolt.Tx) error {
		metrics, err := bucket(tx, metricBucket)
		if err != nil {
			return err
		}
		prefix := metricPrefix(podcastID, "")
		c := metrics.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec domain.MetricRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode metric record: %w", err)
			}
			// Keys ascend by time within a platform, so later rows overwrite earlier ones.
			out[rec.Platform] = rec
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("latest metrics for podcast: %w", err)
	}
	return out, nil
}
