package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
	bolt "go.etcd.io/bbolt"
)

// Period selects the window of a cost summary.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
	PeriodAll   Period = "all"
)

// ParsePeriod validates raw as a Period.
func ParsePeriod(raw string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(raw))); p {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear, PeriodAll:
		return p, nil
	case "":
		return PeriodMonth, nil
	}
	return "", fmt.Errorf("unknown period %q", raw)
}

// Since returns the start of the rolling window ending at now.
func (p Period) Since(now time.Time) time.Time {
	switch p {
	case PeriodDay:
		return now.Add(-24 * time.Hour)
	case PeriodWeek:
		return now.AddDate(0, 0, -7)
	case PeriodMonth:
		return now.AddDate(0, -1, 0)
	case PeriodYear:
		return now.AddDate(-1, 0, 0)
	}
	return time.Time{}
}

// CostSummary aggregates ledger rows over a period.
type CostSummary struct {
	Period     Period                      `json:"period"`
	Since      time.Time                   `json:"since"`
	TotalUSD   float64                     `json:"total_usd"`
	Entries    int                         `json:"entries"`
	Successes  int                         `json:"successes"`
	Failures   int                         `json:"failures"`
	ByPlatform map[domain.Platform]float64 `json:"by_platform"`
	ByProvider map[string]float64          `json:"by_provider"`
}

// AppendCost appends one ledger row and returns its sequence id.
func (b *BoltStore) AppendCost(entry domain.CostLogEntry) (uint64, error) {
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = time.Now().UTC()
	}
	var id uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = appendCost(tx, entry)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("append cost: %w", err)
	}
	return id, nil
}

func appendCost(tx *bolt.Tx, entry domain.CostLogEntry) (uint64, error) {
	costs, err := bucket(tx, costBucket)
	if err != nil {
		return 0, err
	}
	id, err := costs.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("next cost sequence: %w", err)
	}
	entry.ID = id
	if err := putJSON(costs, itob(id), entry); err != nil {
		return 0, err
	}
	return id, nil
}

// ListCosts returns ledger rows logged at or after since, oldest first.
func (b *BoltStore) ListCosts(since time.Time) ([]domain.CostLogEntry, error) {
	var out []domain.CostLogEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		costs, err := bucket(tx, costBucket)
		if err != nil {
			return err
		}
		return costs.ForEach(func(_, v []byte) error {
			var entry domain.CostLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode cost entry: %w", err)
			}
			if !entry.LoggedAt.Before(since) {
				out = append(out, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list costs: %w", err)
	}
	return out, nil
}

// Summary aggregates ledger rows for period.
func (b *BoltStore) Summary(period Period, now time.Time) (CostSummary, error) {
	since := period.Since(now)
	entries, err := b.ListCosts(since)
	if err != nil {
		return CostSummary{}, err
	}

	sum := CostSummary{
		Period:     period,
		Since:      since,
		ByPlatform: make(map[domain.Platform]float64),
		ByProvider: make(map[string]float64),
	}
	for _, e := range entries {
		sum.Entries++
		if e.Success {
			sum.Successes++
		} else {
			sum.Failures++
		}
		sum.TotalUSD += e.CostUSD
		sum.ByPlatform[e.Platform] += e.CostUSD
		if e.Provider != "" {
			sum.ByProvider[e.Provider] += e.CostUSD
		}
	}
	return sum, nil
}
