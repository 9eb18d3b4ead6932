package dispatch

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/energino-core/internal/infrastructure/httpkit"
)

// Manager owns one Queue per local feed and runs the flush loop.
type Manager struct {
	settings Settings
	store    StateStore
	http     *http.Client
	logger   Logger

	mu      sync.Mutex
	queues  map[int]*Queue
	retired map[int]struct{}

	kick chan struct{}
}

// NewManager creates a manager. A nil store keeps remote ids in memory.
func NewManager(settings Settings, store StateStore, httpClient *http.Client) *Manager {
	settings = settings.withDefaults()
	if store == nil {
		store = NewMemoryStore()
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient(httpkit.WithTimeout(settings.Timeout))
	}
	return &Manager{
		settings: settings,
		store:    store,
		http:     httpClient,
		logger:   noopLogger{},
		queues:   make(map[int]*Queue),
		retired:  make(map[int]struct{}),
		kick:     make(chan struct{}, 1),
	}
}

// SetLogger sets the logger for the manager and every queue it creates.
func (m *Manager) SetLogger(logger Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
	for _, q := range m.queues {
		q.SetLogger(logger)
	}
}

// Queue returns the queue of feedID, creating it on first use.
func (m *Manager) Queue(feedID int) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[feedID]
	if !ok {
		q = NewQueue(feedID, m.settings, m.store, m.http)
		q.SetLogger(m.logger)
		q.notify = m.requestFlush
		m.queues[feedID] = q
	}
	return q
}

// Retire marks the feed as deleted. Its queue is dropped once empty,
// right away when nothing is pending, otherwise after a flush drains it.
func (m *Manager) Retire(feedID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[feedID]
	if !ok {
		return
	}
	if q.Len() == 0 {
		delete(m.queues, feedID)
		return
	}
	m.retired[feedID] = struct{}{}
}

// Enqueue buffers s on its feed's queue.
func (m *Manager) Enqueue(s Sample) {
	m.Queue(s.FeedID).Enqueue(s)
}

// Pending returns the number of samples buffered for feedID.
func (m *Manager) Pending(feedID int) int {
	m.mu.Lock()
	q, ok := m.queues[feedID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return q.Len()
}

// Stats returns the counters of every queue ordered by feed id.
func (m *Manager) Stats() []QueueStats {
	queues := m.snapshot()
	out := make([]QueueStats, 0, len(queues))
	for _, q := range queues {
		out = append(out, q.Stats())
	}
	return out
}

// FlushAll flushes every queue once. Failures are logged by the queues
// and retried on the next call.
func (m *Manager) FlushAll(ctx context.Context) {
	for _, q := range m.snapshot() {
		_ = q.Flush(ctx) //nolint:errcheck // logged and retried by the queue
	}
	m.pruneRetired()
}

func (m *Manager) pruneRetired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.retired {
		if q, ok := m.queues[id]; !ok || q.Len() == 0 {
			delete(m.queues, id)
			delete(m.retired, id)
		}
	}
}

// Run flushes every period, and on demand in rapid mode, until ctx is
// done. A final flush is attempted before returning.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.settings.Period)
	defer ticker.Stop()

	m.logger.Info("dispatch loop started",
		"period", m.settings.Period.String(),
		"rapid", m.settings.Rapid,
	)

	for {
		select {
		case <-ctx.Done():
			m.FlushAll(context.Background())
			m.logger.Info("dispatch loop stopped")
			return nil
		case <-ticker.C:
			m.FlushAll(ctx)
		case <-m.kick:
			m.FlushAll(ctx)
		}
	}
}

// requestFlush wakes Run without blocking the caller.
func (m *Manager) requestFlush(int) {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) snapshot() []*Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].feedID < out[j].feedID })
	return out
}
