package notify

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQueue(t *testing.T) *FailedQueue {
	t.Helper()
	return NewFailedQueue(filepath.Join(t.TempDir(), "failed_notifications.json"))
}

func testEvent(id string) Event {
	return Event{
		ID:        id,
		Type:      "user.registered",
		UserID:    "user-1",
		Email:     "user@example.com",
		CreatedAt: time.Now().UTC(),
	}
}

func TestNotifyDeliversFirstAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
	}))
	defer srv.Close()

	queue := testQueue(t)
	n := New(srv.URL, queue, testLogger(), WithRetryDelay(time.Millisecond))
	n.Notify(testEvent("evt-1"))
	n.Shutdown()

	if got := calls.Load(); got != 1 {
		t.Errorf("webhook calls = %d, want 1", got)
	}
	entries, err := queue.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("failed queue should be empty, got %d entries", len(entries))
	}
}

func TestNotifySucceedsOnRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	queue := testQueue(t)
	n := New(srv.URL, queue, testLogger(), WithRetryDelay(5*time.Millisecond))
	n.Notify(testEvent("evt-1"))

	waitFor(t, func() bool { return calls.Load() == 2 })
	n.Shutdown()

	if got := calls.Load(); got != 2 {
		t.Errorf("webhook calls = %d, want 2", got)
	}
	entries, _ := queue.Entries()
	if len(entries) != 0 {
		t.Errorf("failed queue should be empty after recovery, got %d entries", len(entries))
	}
}

func TestNotifyExhaustsAttemptsAndQueues(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	queue := testQueue(t)
	n := New(srv.URL, queue, testLogger(), WithRetryDelay(2*time.Millisecond))
	n.Notify(testEvent("evt-doomed"))

	waitFor(t, func() bool {
		entries, _ := queue.Entries()
		return len(entries) == 1
	})
	n.Shutdown()

	// Exactly three attempts, then nothing further.
	if got := calls.Load(); got != 3 {
		t.Errorf("webhook calls = %d, want 3", got)
	}
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 3 {
		t.Errorf("webhook called after exhaustion: %d calls", got)
	}

	entries, err := queue.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("failed queue entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Event.ID != "evt-doomed" || e.Attempts != 3 {
		t.Errorf("entry = %+v, want evt-doomed with 3 attempts", e)
	}
	if e.Error == "" || e.FailedAt.IsZero() {
		t.Errorf("entry missing error or timestamp: %+v", e)
	}
}

func TestShutdownCancelsPendingRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	queue := testQueue(t)
	n := New(srv.URL, queue, testLogger(), WithRetryDelay(time.Hour))
	n.Notify(testEvent("evt-1"))

	waitFor(t, func() bool { return calls.Load() == 1 })
	n.Shutdown()

	if got := calls.Load(); got != 1 {
		t.Errorf("webhook calls = %d, want 1 (retry cancelled)", got)
	}
	entries, _ := queue.Entries()
	if len(entries) != 0 {
		t.Errorf("cancelled retry must not be queued as failed, got %d entries", len(entries))
	}
}

func TestNotifyAfterShutdownDropped(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := New(srv.URL, testQueue(t), testLogger())
	n.Shutdown()
	n.Notify(testEvent("evt-late"))

	time.Sleep(10 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Errorf("webhook calls after shutdown = %d, want 0", got)
	}
}

func TestFailedQueueAppendAndRead(t *testing.T) {
	queue := testQueue(t)

	for i := 0; i < 3; i++ {
		err := queue.Append(FailedNotification{
			Event:    testEvent(fmt.Sprintf("evt-%d", i)),
			Attempts: 3,
			Error:    "webhook returned status 500",
			FailedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	entries, err := queue.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	for i, e := range entries {
		if want := fmt.Sprintf("evt-%d", i); e.Event.ID != want {
			t.Errorf("entries[%d].Event.ID = %q, want %q", i, e.Event.ID, want)
		}
	}
}

func TestFailedQueueMissingFileIsEmpty(t *testing.T) {
	queue := NewFailedQueue(filepath.Join(t.TempDir(), "nope", "missing.json"))
	entries, err := queue.Entries()
	if err != nil {
		t.Fatalf("Entries on missing file failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}

func TestFailedQueueConcurrentAppends(t *testing.T) {
	queue := testQueue(t)

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := queue.Append(FailedNotification{
				Event:    testEvent(fmt.Sprintf("evt-%d", i)),
				Attempts: 3,
				FailedAt: time.Now().UTC(),
			}); err != nil {
				t.Errorf("Append failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	entries, err := queue.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != writers {
		t.Errorf("entries = %d, want %d (no lost appends)", len(entries), writers)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
