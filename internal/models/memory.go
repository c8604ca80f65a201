package models

import (
	"time"
)

// MemoryType names a memory tier.
type MemoryType string

const (
	MemoryShortTerm MemoryType = "short_term"
	MemoryLongTerm  MemoryType = "long_term"
	MemoryEpisodic  MemoryType = "episodic"
	MemorySemantic  MemoryType = "semantic"
)

// AllMemoryTypes in retrieval order.
var AllMemoryTypes = []MemoryType{MemoryShortTerm, MemoryLongTerm, MemoryEpisodic, MemorySemantic}

// Valid reports whether t is a known tier.
func (t MemoryType) Valid() bool {
	switch t {
	case MemoryShortTerm, MemoryLongTerm, MemoryEpisodic, MemorySemantic:
		return true
	}
	return false
}

// MemoryEntry is one remembered interaction or piece of feedback.
type MemoryEntry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Content      string         `json:"content"`
	MemoryType   MemoryType     `json:"memory_type"`
	Importance   float64        `json:"importance"`
	Tags         []string       `json:"tags"`
	Context      map[string]any `json:"context"`
	AccessCount  int            `json:"access_count"`
	LastAccessed time.Time      `json:"last_accessed"`
}

// Clone returns a deep-enough copy for handing out of a locked store.
func (m *MemoryEntry) Clone() *MemoryEntry {
	c := *m
	c.Tags = append([]string(nil), m.Tags...)
	if m.Context != nil {
		c.Context = make(map[string]any, len(m.Context))
		for k, v := range m.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// ScoredMemory pairs an entry with its retrieval scores.
type ScoredMemory struct {
	Entry      *MemoryEntry `json:"entry"`
	Similarity float64      `json:"similarity"`
	Score      float64      `json:"score"`
}
