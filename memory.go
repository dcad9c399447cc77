package shield

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// counter is a single bucket held by MemoryStore.
type counter struct {
	value     int64
	expiresAt time.Time
}

// MemoryStore implements CounterStore using local process memory.
// It is suitable for single-instance applications or local testing.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counter
	closed   bool

	now     func() time.Time
	cleanup time.Duration
	logger  *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets how often expired counters are swept.
// Zero or a negative value disables the background worker.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(m *MemoryStore) {
		m.cleanup = interval
	}
}

// WithMemoryClock sets the time source used for expiry.
func WithMemoryClock(now func() time.Time) MemoryStoreOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMemoryLogger sets the logger for cleanup sweeps.
func WithMemoryLogger(logger *slog.Logger) MemoryStoreOption {
	return func(m *MemoryStore) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMemoryStore initializes an in-memory counter store and starts the
// cleanup worker unless it is disabled.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	m := &MemoryStore{
		counters: make(map[string]*counter),
		now:      time.Now,
		cleanup:  time.Minute,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.cleanup > 0 {
		m.wg.Add(1)
		go m.cleanupWorker()
	}
	return m
}

// Increment adds one to key. An absent or expired counter restarts at 1 with
// a fresh ttl; a live counter keeps its expiry.
func (m *MemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	now := m.now()
	c, exists := m.counters[key]
	if !exists || !now.Before(c.expiresAt) {
		m.counters[key] = &counter{value: 1, expiresAt: now.Add(ttl)}
		return nil
	}
	c.value++
	return nil
}

// GetMulti returns one Result per key, in input order. Expired counters are
// misses.
func (m *MemoryStore) GetMulti(ctx context.Context, keys []string) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	now := m.now()
	results := make([]Result, 0, len(keys))
	for _, key := range keys {
		c, exists := m.counters[key]
		if !exists || !now.Before(c.expiresAt) {
			results = append(results, Result{Key: key})
			continue
		}
		results = append(results, Result{Key: key, Hit: true, Value: c.value})
	}
	return results, nil
}

// Len returns the number of counters currently held, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}

// Sweep removes expired counters and returns how many were dropped.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, c := range m.counters {
		if !now.Before(c.expiresAt) {
			delete(m.counters, key)
			removed++
		}
	}
	return removed
}

// Close stops the cleanup worker and releases resources.
func (m *MemoryStore) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemoryStore) cleanupWorker() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := m.Sweep(); removed > 0 {
				m.logger.Debug("memory store sweep", slog.Int("removed", removed))
			}
		case <-m.stopCh:
			return
		}
	}
}
