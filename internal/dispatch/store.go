package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// RemoteFeed links a local feed to its feed on the remote service.
type RemoteFeed struct {
	FeedID    int
	RemoteID  string
	Title     string
	UpdatedAt time.Time
}

// StateStore persists remote feed ids.
type StateStore interface {
	// Load returns ErrNoRemoteFeed when nothing is recorded for feedID.
	Load(ctx context.Context, feedID int) (*RemoteFeed, error)
	Save(ctx context.Context, rf RemoteFeed) error
	Forget(ctx context.Context, feedID int) error
}

// SQLiteStore implements StateStore on the dispatch_feeds table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store on db.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Load implements StateStore.
func (s *SQLiteStore) Load(ctx context.Context, feedID int) (*RemoteFeed, error) {
	rf := RemoteFeed{FeedID: feedID}
	var updated string
	err := s.db.QueryRowContext(ctx,
		"SELECT remote_id, title, updated_at FROM dispatch_feeds WHERE feed_id = ?", feedID,
	).Scan(&rf.RemoteID, &rf.Title, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: feed %d", ErrNoRemoteFeed, feedID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading remote feed %d: %w", feedID, err)
	}
	rf.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated) //nolint:errcheck // written by Save
	return &rf, nil
}

// Save implements StateStore.
func (s *SQLiteStore) Save(ctx context.Context, rf RemoteFeed) error {
	if rf.UpdatedAt.IsZero() {
		rf.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_feeds (feed_id, remote_id, title, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(feed_id) DO UPDATE SET
		   remote_id = excluded.remote_id,
		   title = excluded.title,
		   updated_at = excluded.updated_at`,
		rf.FeedID, rf.RemoteID, rf.Title, rf.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving remote feed %d: %w", rf.FeedID, err)
	}
	return nil
}

// Forget implements StateStore.
func (s *SQLiteStore) Forget(ctx context.Context, feedID int) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM dispatch_feeds WHERE feed_id = ?", feedID); err != nil {
		return fmt.Errorf("forgetting remote feed %d: %w", feedID, err)
	}
	return nil
}

// MemoryStore is a StateStore that keeps ids for the process lifetime.
// It is used when the database is disabled.
type MemoryStore struct {
	mu    sync.Mutex
	feeds map[int]RemoteFeed
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{feeds: make(map[int]RemoteFeed)}
}

// Load implements StateStore.
func (m *MemoryStore) Load(_ context.Context, feedID int) (*RemoteFeed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rf, ok := m.feeds[feedID]
	if !ok {
		return nil, fmt.Errorf("%w: feed %d", ErrNoRemoteFeed, feedID)
	}
	return &rf, nil
}

// Save implements StateStore.
func (m *MemoryStore) Save(_ context.Context, rf RemoteFeed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeds[rf.FeedID] = rf
	return nil
}

// Forget implements StateStore.
func (m *MemoryStore) Forget(_ context.Context, feedID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.feeds, feedID)
	return nil
}
