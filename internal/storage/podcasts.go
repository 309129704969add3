package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
	bolt "go.etcd.io/bbolt"
)

// UpsertPodcast stores p, keeping the tracking fields of an existing row
// unless p sets them.
func (b *BoltStore) UpsertPodcast(p domain.Podcast) error {
	if p.ID <= 0 {
		return fmt.Errorf("podcast id must be positive")
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		podcasts, err := bucket(tx, podcastBucket)
		if err != nil {
			return err
		}
		if raw := podcasts.Get(podcastKey(p.ID)); raw != nil && p.TrackingStatus == domain.TrackingNone {
			var existing domain.Podcast
			if err := json.Unmarshal(raw, &existing); err == nil {
				p.TrackingStatus = existing.TrackingStatus
				p.IsTracked = p.IsTracked || existing.IsTracked
			}
		}
		p.UpdatedAt = time.Now().UTC()
		return putJSON(podcasts, podcastKey(p.ID), p)
	})
	if err != nil {
		return fmt.Errorf("upsert podcast %d: %w", p.ID, err)
	}
	return nil
}

// GetPodcast loads a podcast by id.
func (b *BoltStore) GetPodcast(id int64) (domain.Podcast, error) {
	var p domain.Podcast
	err := b.db.View(func(tx *bolt.Tx) error {
		podcasts, err := bucket(tx, podcastBucket)
		if err != nil {
			return err
		}
		raw := podcasts.Get(podcastKey(id))
		if raw == nil {
			return domain.ErrPodcastNotFound
		}
		return json.Unmarshal(raw, &p)
	})
	if err != nil {
		return domain.Podcast{}, fmt.Errorf("get podcast %d: %w", id, err)
	}
	return p, nil
}

// GetSocialLinks returns the stored profiles of a podcast.
func (b *BoltStore) GetSocialLinks(podcastID int64) ([]domain.SocialLink, error) {
	p, err := b.GetPodcast(podcastID)
	if err != nil {
		return nil, err
	}
	return p.SocialLinks, nil
}

// SetTrackingStatus updates the podcast-level enrichment state.
func (b *BoltStore) SetTrackingStatus(podcastID int64, status domain.TrackingStatus) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return setTracking(tx, podcastID, status)
	})
	if err != nil {
		return fmt.Errorf("set tracking status: %w", err)
	}
	return nil
}

// ListTracked returns podcasts that completed at least one enrichment.
func (b *BoltStore) ListTracked() ([]domain.Podcast, error) {
	var out []domain.Podcast
	err := b.db.View(func(tx *bolt.Tx) error {
		podcasts, err := bucket(tx, podcastBucket)
		if err != nil {
			return err
		}
		return podcasts.ForEach(func(_, v []byte) error {
			var p domain.Podcast
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decode podcast: %w", err)
			}
			if p.IsTracked {
				out = append(out, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list tracked podcasts: %w", err)
	}
	return out, nil
}

// setTracking writes status inside tx. Unknown podcasts are ignored: jobs may
// reference podcasts owned by another system.
func setTracking(tx *bolt.Tx, podcastID int64, status domain.TrackingStatus) error {
	podcasts, err := bucket(tx, podcastBucket)
	if err != nil {
		return err
	}
	raw := podcasts.Get(podcastKey(podcastID))
	if raw == nil {
		return nil
	}
	var p domain.Podcast
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode podcast: %w", err)
	}
	p.TrackingStatus = status
	if status == domain.TrackingTracked {
		p.IsTracked = true
	}
	p.UpdatedAt = time.Now().UTC()
	return putJSON(podcasts, podcastKey(podcastID), p)
}

// GetSetting reads an operator-managed setting.
func (b *BoltStore) GetSetting(key string) (string, bool) {
	var val string
	var ok bool
	_ = b.db.View(func(tx *bolt.Tx) error {
		settings, err := bucket(tx, settingsBucket)
		if err != nil {
			return err
		}
		if raw := settings.Get([]byte(normalizeSettingKey(key))); raw != nil {
			val, ok = string(raw), true
		}
		return nil
	})
	return val, ok
}

// PutSetting stores a setting; an empty value deletes it.
func (b *BoltStore) PutSetting(key, value string) error {
	key = normalizeSettingKey(key)
	if key == "" {
		return fmt.Errorf("setting key is empty")
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		settings, err := bucket(tx, settingsBucket)
		if err != nil {
			return err
		}
		if strings.TrimSpace(value) == "" {
			return settings.Delete([]byte(key))
		}
		return settings.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

func normalizeSettingKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
