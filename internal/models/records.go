package models

import (
	"time"
)

// MemoryRecord persists a long-term memory entry.
type MemoryRecord struct {
	ID           string    `gorm:"primaryKey;size:32" json:"id"`
	Content      string    `gorm:"type:text" json:"content"`
	MemoryType   string    `gorm:"size:32;index" json:"memory_type"`
	Importance   float64   `json:"importance"`
	Tags         string    `gorm:"type:text" json:"tags"`    // JSON array
	Context      string    `gorm:"type:text" json:"context"` // JSON object
	AccessCount  int       `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
	Timestamp    time.Time `gorm:"index" json:"timestamp"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FeedbackRecord persists user feedback forwarded by the orchestrator.
type FeedbackRecord struct {
	ID        string    `gorm:"primaryKey;size:32" json:"id"`
	SessionID string    `gorm:"size:64;index" json:"session_id"`
	Type      string    `gorm:"size:64" json:"type"`
	Content   string    `gorm:"type:text" json:"content"`
	Data      string    `gorm:"type:text" json:"-"` // JSON object
	CreatedAt time.Time `json:"created_at"`
}
