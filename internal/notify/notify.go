// Package notify delivers registration events to a configured webhook.
// Delivery is fire-and-forget from the caller's point of view: the first
// attempt runs immediately on its own goroutine, each retry is scheduled as
// a delayed task, and an event that exhausts its attempts lands in the
// durable failed queue.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	defaultRetryDelay  = 5 * time.Minute
	defaultMaxAttempts = 3
)

// Event is one registration notification to deliver.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier posts events to a webhook URL with delayed retries.
type Notifier struct {
	webhookURL string
	client     *http.Client
	queue      *FailedQueue
	logger     *slog.Logger

	retryDelay  time.Duration
	maxAttempts int

	mu      sync.Mutex
	timers  map[string]*time.Timer
	closed  bool
	pending sync.WaitGroup
}

// Option adjusts Notifier construction.
type Option func(*Notifier)

// WithRetryDelay overrides the fixed delay between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(n *Notifier) { n.retryDelay = d }
}

// WithHTTPClient overrides the HTTP client used for webhook posts.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

func New(webhookURL string, queue *FailedQueue, logger *slog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		webhookURL:  webhookURL,
		client:      &http.Client{Timeout: 30 * time.Second},
		queue:       queue,
		logger:      logger,
		retryDelay:  defaultRetryDelay,
		maxAttempts: defaultMaxAttempts,
		timers:      make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify schedules delivery of the event and returns immediately. Events
// arriving after Shutdown are dropped with a warning.
func (n *Notifier) Notify(event Event) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.logger.Warn("notifier closed, dropping event", "event_id", event.ID)
		return
	}
	n.pending.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.pending.Done()
		n.attempt(event, 1)
	}()
}

// attempt runs one delivery attempt and either finishes, schedules the next
// attempt, or moves the event to the failed queue.
func (n *Notifier) attempt(event Event, attempt int) {
	err := n.post(event)
	if err == nil {
		n.logger.Info("notification delivered",
			"event_id", event.ID, "type", event.Type, "attempt", attempt)
		return
	}

	if attempt < n.maxAttempts {
		n.logger.Warn("notification attempt failed, retrying",
			"event_id", event.ID, "attempt", attempt, "retry_in", n.retryDelay, "error", err)
		n.scheduleRetry(event, attempt)
		return
	}

	n.logger.Error("notification failed permanently",
		"event_id", event.ID, "attempts", attempt, "error", err)
	if qerr := n.queue.Append(FailedNotification{
		Event:    event,
		Attempts: attempt,
		Error:    err.Error(),
		FailedAt: time.Now().UTC(),
	}); qerr != nil {
		n.logger.Error("recording failed notification",
			"event_id", event.ID, "error", qerr)
	}
}

func (n *Notifier) scheduleRetry(event Event, attempt int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	n.pending.Add(1)
	key := fmt.Sprintf("%s#%d", event.ID, attempt)
	n.timers[key] = time.AfterFunc(n.retryDelay, func() {
		defer n.pending.Done()
		n.mu.Lock()
		delete(n.timers, key)
		closed := n.closed
		n.mu.Unlock()
		if closed {
			return
		}
		n.attempt(event, attempt+1)
	})
}

func (n *Notifier) post(event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	resp, err := n.client.Post(n.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Shutdown cancels pending retry timers and waits for in-flight attempts.
// Cancelled retries are not moved to the failed queue.
func (n *Notifier) Shutdown() {
	n.mu.Lock()
	n.closed = true
	for key, t := range n.timers {
		if t.Stop() {
			n.pending.Done()
		}
		delete(n.timers, key)
	}
	n.mu.Unlock()

	n.pending.Wait()
}
