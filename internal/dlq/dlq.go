package dlq

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

var (
	ErrDLQClosed = errors.New("DLQ is closed")
	ErrDLQFull   = errors.New("DLQ is full")
)

const fileName = "dead_letter.jsonl"

// Config holds configuration for the dead letter queue
type Config struct {
	Dir           string
	MaxSize       int64 // Maximum number of entries
	MaxAge        time.Duration
	FlushInterval time.Duration
}

// Queue keeps envelopes that an output failed to deliver
type Queue struct {
	config Config

	mu      sync.RWMutex
	entries []*Entry
	dirty   bool
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup

	enqueued atomic.Uint64
	dequeued atomic.Uint64
	dropped  atomic.Uint64
}

// Entry is one undelivered envelope. Payload holds the encoded envelope.
type Entry struct {
	Output    string          `json:"output"`
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
	Retries   int             `json:"retries"`
}

// New creates a dead letter queue and loads entries left by a previous run
func New(config Config) (*Queue, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("DLQ directory is required")
	}
	if config.MaxSize == 0 {
		config.MaxSize = 10000
	}
	if config.MaxAge == 0 {
		config.MaxAge = 24 * time.Hour
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DLQ directory: %w", err)
	}

	q := &Queue{
		config:  config,
		closeCh: make(chan struct{}),
	}
	if err := q.load(); err != nil {
		return nil, fmt.Errorf("failed to load DLQ: %w", err)
	}

	q.wg.Add(1)
	go q.maintain()

	return q, nil
}

// Enqueue parks an envelope that output failed to deliver
func (q *Queue) Enqueue(output, typ, id string, payload []byte, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrDLQClosed
	}
	if int64(len(q.entries)) >= q.config.MaxSize {
		q.dropped.Add(1)
		return ErrDLQFull
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	q.entries = append(q.entries, &Entry{
		Output:    output,
		Type:      typ,
		ID:        id,
		Payload:   append(json.RawMessage(nil), payload...),
		Error:     msg,
		Timestamp: time.Now(),
	})
	q.dirty = true
	q.enqueued.Add(1)
	return nil
}

// Dequeue removes and returns the oldest entry, or nil when empty
func (q *Queue) Dequeue() (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrDLQClosed
	}
	if len(q.entries) == 0 {
		return nil, nil
	}

	entry := q.entries[0]
	q.entries = q.entries[1:]
	q.dirty = true
	q.dequeued.Add(1)
	return entry, nil
}

// Peek returns the oldest entry without removing it
func (q *Queue) Peek() (*Entry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrDLQClosed
	}
	if len(q.entries) == 0 {
		return nil, nil
	}
	return q.entries[0], nil
}

// All returns a copy of the queued entries, oldest first
func (q *Queue) All() ([]*Entry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrDLQClosed
	}
	entries := make([]*Entry, len(q.entries))
	copy(entries, q.entries)
	return entries, nil
}

// Retry puts a dequeued entry back at the tail
func (q *Queue) Retry(entry *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrDLQClosed
	}
	entry.Retries++
	entry.Timestamp = time.Now()
	q.entries = append(q.entries, entry)
	q.dirty = true
	return nil
}

// Size returns the number of queued entries
func (q *Queue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Clear drops every entry
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrDLQClosed
	}
	q.entries = nil
	return q.flush()
}

// Flush persists the queue to disk
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.flush()
}

// Close stops background work and flushes remaining entries
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrDLQClosed
	}
	q.closed = true
	close(q.closeCh)
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.flush()
}

// Metrics returns queue statistics
func (q *Queue) Metrics() Metrics {
	q.mu.RLock()
	size := len(q.entries)
	q.mu.RUnlock()

	return Metrics{
		Enqueued:    q.enqueued.Load(),
		Dequeued:    q.dequeued.Load(),
		Dropped:     q.dropped.Load(),
		CurrentSize: size,
		MaxSize:     q.config.MaxSize,
	}
}

// Path returns the file the queue is persisted to
func (q *Queue) Path() string {
	return filepath.Join(q.config.Dir, fileName)
}

// flush rewrites the queue file through a temp file; the lock must be held
func (q *Queue) flush() error {
	path := q.Path()
	tmp := path + ".tmp"

	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, entry := range q.entries {
		if err := enc.Encode(entry); err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to encode entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write entries: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	q.dirty = false
	return nil
}

func (q *Queue) load() error {
	file, err := os.Open(q.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open DLQ file: %w", err)
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	for {
		var entry Entry
		if err := dec.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to decode entry: %w", err)
		}
		q.entries = append(q.entries, &entry)
	}
	return nil
}

// maintain flushes changes and expires old entries until Close
func (q *Queue) maintain() {
	defer q.wg.Done()

	flush := time.NewTicker(q.config.FlushInterval)
	defer flush.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-flush.C:
			q.mu.Lock()
			if q.dirty {
				_ = q.flush()
			}
			q.mu.Unlock()
		case <-cleanup.C:
			q.expire(time.Now())
		case <-q.closeCh:
			return
		}
	}
}

// expire removes entries older than MaxAge
func (q *Queue) expire(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	cutoff := now.Add(-q.config.MaxAge)
	remaining := q.entries[:0]
	for _, entry := range q.entries {
		if entry.Timestamp.After(cutoff) {
			remaining = append(remaining, entry)
		}
	}
	if len(remaining) != len(q.entries) {
		q.dirty = true
	}
	q.entries = remaining
}

// Metrics holds queue statistics
type Metrics struct {
	Enqueued    uint64
	Dequeued    uint64
	Dropped     uint64
	CurrentSize int
	MaxSize     int64
}

// Utilization returns the queue utilization percentage (0-100)
func (m Metrics) Utilization() float64 {
	if m.MaxSize == 0 {
		return 0
	}
	return (float64(m.CurrentSize) / float64(m.MaxSize)) * 100.0
}
