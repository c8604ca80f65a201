package storage

import (
	"encoding/json"
	"fmt"

	"schoolbot/server/internal/models"
)

// ToMemoryRecord flattens an entry for a SQL row.
func ToMemoryRecord(e *models.MemoryEntry) (models.MemoryRecord, error) {
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return models.MemoryRecord{}, fmt.Errorf("failed to encode tags of %s: %w", e.ID, err)
	}
	ctx, err := json.Marshal(e.Context)
	if err != nil {
		return models.MemoryRecord{}, fmt.Errorf("failed to encode context of %s: %w", e.ID, err)
	}
	return models.MemoryRecord{
		ID:           e.ID,
		Content:      e.Content,
		MemoryType:   string(e.MemoryType),
		Importance:   e.Importance,
		Tags:         string(tags),
		Context:      string(ctx),
		AccessCount:  e.AccessCount,
		LastAccessed: e.LastAccessed,
		Timestamp:    e.Timestamp,
	}, nil
}

// FromMemoryRecord rebuilds an entry from a SQL row.
func FromMemoryRecord(rec models.MemoryRecord) (*models.MemoryEntry, error) {
	e := &models.MemoryEntry{
		ID:           rec.ID,
		Content:      rec.Content,
		MemoryType:   models.MemoryType(rec.MemoryType),
		Importance:   rec.Importance,
		AccessCount:  rec.AccessCount,
		LastAccessed: rec.LastAccessed,
		Timestamp:    rec.Timestamp,
	}
	if rec.Tags != "" {
		if err := json.Unmarshal([]byte(rec.Tags), &e.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags of %s: %w", rec.ID, err)
		}
	}
	if rec.Context != "" && rec.Context != "null" {
		if err := json.Unmarshal([]byte(rec.Context), &e.Context); err != nil {
			return nil, fmt.Errorf("failed to decode context of %s: %w", rec.ID, err)
		}
	}
	return e, nil
}
