package status

import (
	"context"
	"sync"
	"time"
)

// Entry is the last status rendered for a job.
type Entry struct {
	JobID      string    `json:"job_id"`
	Text       string    `json:"text"`
	Cancelable bool      `json:"cancelable"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Board keeps the latest entry of every job so the HTTP front-end can show it.
type Board struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

func NewBoard() *Board {
	return &Board{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Sink returns a Sink that records renders for jobID.
func (b *Board) Sink(jobID string) Sink {
	return SinkFunc(func(_ context.Context, text string, cancelable bool) error {
		b.mu.Lock()
		b.entries[jobID] = Entry{
			JobID:      jobID,
			Text:       text,
			Cancelable: cancelable,
			UpdatedAt:  b.now(),
		}
		b.mu.Unlock()

		return nil
	})
}

func (b *Board) Get(jobID string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[jobID]

	return e, ok
}

// Prune drops entries not updated within retention and returns how many went.
func (b *Board) Prune(retention time.Duration) int {
	cutoff := b.now().Add(-retention)

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0

	for id, e := range b.entries {
		if e.UpdatedAt.Before(cutoff) {
			delete(b.entries, id)

			removed++
		}
	}

	return removed
}
