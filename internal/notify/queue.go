package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FailedNotification is one permanently failed delivery.
type FailedNotification struct {
	Event    Event     `json:"event"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// FailedQueue persists permanently failed notifications as a JSON array on
// disk. Every append re-reads and rewrites the whole file under a mutex, so
// the file stays a single well-formed document and concurrent appends never
// interleave.
type FailedQueue struct {
	path string
	mu   sync.Mutex
}

func NewFailedQueue(path string) *FailedQueue {
	return &FailedQueue{path: path}
}

// Append adds one entry to the queue file, creating it on first use.
func (q *FailedQueue) Append(entry FailedNotification) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.read()
	if err != nil {
		return err
	}
	entries = append(entries, entry)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling failed queue: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return fmt.Errorf("creating queue directory: %w", err)
	}
	if err := os.WriteFile(q.path, data, 0o644); err != nil {
		return fmt.Errorf("writing failed queue: %w", err)
	}
	return nil
}

// Entries returns the current queue contents. A missing file is an empty queue.
func (q *FailedQueue) Entries() ([]FailedNotification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.read()
}

func (q *FailedQueue) read() ([]FailedNotification, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading failed queue: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var entries []FailedNotification
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing failed queue: %w", err)
	}
	return entries, nil
}
