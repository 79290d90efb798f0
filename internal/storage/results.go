package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

const resultsBucket = "results"

// CheckRecord is the persisted summary of one verification attempt.
type CheckRecord struct {
	ID               string    `json:"id" gorm:"primaryKey;size:36"`
	Host             string    `json:"host" gorm:"size:255"`
	Domain           string    `json:"domain" gorm:"index;size:255"`
	VerificationCode string    `json:"vcode" gorm:"size:64"`
	RemoteCode       string    `json:"remote_vcode" gorm:"size:128"`
	Matched          bool      `json:"matched" gorm:"index"`
	Files            int       `json:"files"`
	Failures         int       `json:"failures"`
	Candidate        string    `json:"candidate,omitempty" gorm:"type:text"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at" gorm:"index"`
}

// HistoryStore persists check records for the API and retention pruning.
type HistoryStore interface {
	Save(record CheckRecord) error
	List(limit int) ([]CheckRecord, error)
	PruneOlderThan(cutoff time.Time) error
}

type ResultsStore struct {
	store Store
}

func NewResultsStore(store Store) *ResultsStore {
	return &ResultsStore{store: store}
}

func (r *ResultsStore) Save(record CheckRecord) error {
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	key := fmt.Sprintf("%020d-%s", record.FinishedAt.UnixNano(), record.ID)
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return r.store.Put(resultsBucket, key, raw)
}

// List returns the newest records first, at most limit of them (0 = all).
func (r *ResultsStore) List(limit int) ([]CheckRecord, error) {
	records := []CheckRecord{}
	err := r.store.ForEach(resultsBucket, func(_, value []byte) error {
		var rec CheckRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		if err == ErrNotFound {
			return []CheckRecord{}, nil
		}
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].FinishedAt.After(records[j].FinishedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (r *ResultsStore) PruneOlderThan(cutoff time.Time) error {
	var stale []string
	err := r.store.ForEach(resultsBucket, func(key, value []byte) error {
		var rec CheckRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		if !rec.FinishedAt.IsZero() && rec.FinishedAt.Before(cutoff) {
			stale = append(stale, string(key))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := r.store.Delete(resultsBucket, key); err != nil {
			return err
		}
	}
	return nil
}
