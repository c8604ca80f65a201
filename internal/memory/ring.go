package memory

import "schoolbot/server/internal/models"

// ringBuffer keeps the newest entries up to a fixed capacity.
type ringBuffer struct {
	items []*models.MemoryEntry
	start int
	size  int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{items: make([]*models.MemoryEntry, capacity)}
}

// Push appends e and returns the evicted entry, if any.
func (r *ringBuffer) Push(e *models.MemoryEntry) *models.MemoryEntry {
	capacity := len(r.items)
	if r.size < capacity {
		r.items[(r.start+r.size)%capacity] = e
		r.size++
		return nil
	}
	evicted := r.items[r.start]
	r.items[r.start] = e
	r.start = (r.start + 1) % capacity
	return evicted
}

// Items returns entries oldest first.
func (r *ringBuffer) Items() []*models.MemoryEntry {
	out := make([]*models.MemoryEntry, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.start+i)%len(r.items)]
	}
	return out
}

// RemoveFunc drops the entries matching drop, keeping the order of the rest.
func (r *ringBuffer) RemoveFunc(drop func(*models.MemoryEntry) bool) int {
	items := r.Items()
	r.Clear()
	removed := 0
	for _, e := range items {
		if drop(e) {
			removed++
			continue
		}
		r.Push(e)
	}
	return removed
}

func (r *ringBuffer) Len() int { return r.size }

func (r *ringBuffer) Cap() int { return len(r.items) }

func (r *ringBuffer) Clear() {
	for i := range r.items {
		r.items[i] = nil
	}
	r.start, r.size = 0, 0
}
