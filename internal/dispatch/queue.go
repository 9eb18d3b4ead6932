package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/energino-core/internal/infrastructure/httpkit"
)

// Defaults for remote delivery.
const (
	DefaultPeriod  = 10 * time.Second
	DefaultTimeout = 10 * time.Second

	apiKeyHeader = "X-ApiKey"
	feedsPath    = "/v2/feeds/"
)

// Logger defines the logging interface used by queues and the manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Settings configures remote delivery. It is shared by every queue.
type Settings struct {
	BaseURL  string
	APIKey   string
	Streams  []Stream
	Metadata Metadata

	// Period is the flush interval of the Manager loop.
	Period time.Duration

	// Timeout bounds each remote request.
	Timeout time.Duration

	// Rapid triggers a flush after every enqueue.
	Rapid bool
}

func (s Settings) withDefaults() Settings {
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	if s.Period <= 0 {
		s.Period = DefaultPeriod
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	return s
}

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	FeedID       int        `json:"feed_id"`
	RemoteID     string     `json:"remote_id,omitempty"`
	Pending      int        `json:"pending"`
	Delivered    uint64     `json:"delivered"`
	Failures     uint64     `json:"failures"`
	LastError    string     `json:"last_error,omitempty"`
	LastDelivery *time.Time `json:"last_delivery,omitempty"`
}

// Queue buffers samples of one local feed for delivery.
//
// Enqueue never blocks on the network. Flush and Discover are serialised
// with each other; Enqueue may run concurrently with both.
type Queue struct {
	feedID   int
	settings Settings
	http     *http.Client
	store    StateStore
	logger   Logger
	notify   func(feedID int)

	// flushMu serialises remote operations.
	flushMu sync.Mutex

	// mu guards everything below.
	mu      sync.Mutex
	pending []Sample
	remote  *RemoteFeed
	loaded  bool
	stale   bool
	stats   QueueStats
}

// NewQueue creates a queue for feedID. A nil store keeps remote ids in
// memory; a nil httpClient gets an httpkit client.
func NewQueue(feedID int, settings Settings, store StateStore, httpClient *http.Client) *Queue {
	settings = settings.withDefaults()
	if store == nil {
		store = NewMemoryStore()
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient(httpkit.WithTimeout(settings.Timeout))
	}
	return &Queue{
		feedID:   feedID,
		settings: settings,
		http:     httpClient,
		store:    store,
		logger:   noopLogger{},
		stats:    QueueStats{FeedID: feedID},
	}
}

// SetLogger sets the logger for the queue.
func (q *Queue) SetLogger(logger Logger) {
	q.logger = logger
}

// Enqueue appends s to the tail of the buffer. In rapid mode a flush is
// requested right after.
func (q *Queue) Enqueue(s Sample) {
	q.mu.Lock()
	q.pending = append(q.pending, s)
	notify := q.notify
	q.mu.Unlock()

	if q.settings.Rapid && notify != nil {
		notify(q.feedID)
	}
}

// Pending returns a copy of the buffered samples, oldest first.
func (q *Queue) Pending() []Sample {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Sample, len(q.pending))
	copy(out, q.pending)
	return out
}

// Len returns the number of buffered samples.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats returns delivery counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.pending)
	if q.remote != nil {
		s.RemoteID = q.remote.RemoteID
	}
	if s.LastDelivery != nil {
		t := *s.LastDelivery
		s.LastDelivery = &t
	}
	return s
}

// Flush delivers the whole buffer as one document.
//
// An empty buffer is a no-op. On any failure the drained samples go back
// to the front of the buffer in their original order, ahead of anything
// enqueued meanwhile, and the remote feed is rediscovered before the next
// attempt. Requests run on their own timeouts; cancelling ctx does not
// abort a flush in progress.
func (q *Queue) Flush(ctx context.Context) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	if q.Len() == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	rf, err := q.resolve(ctx)
	if err != nil {
		q.fail(err, 0)
		return err
	}

	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	doc := BuildDocument(rf.Title, q.settings.Metadata, q.settings.Streams, batch)
	if err := q.put(ctx, rf.RemoteID, doc); err != nil {
		q.mu.Lock()
		restored := make([]Sample, 0, len(batch)+len(q.pending))
		restored = append(restored, batch...)
		q.pending = append(restored, q.pending...)
		q.stale = true
		q.mu.Unlock()

		q.fail(err, len(batch))
		return err
	}

	now := time.Now()
	q.mu.Lock()
	q.stats.Delivered += uint64(len(batch))
	q.stats.LastError = ""
	q.stats.LastDelivery = &now
	q.mu.Unlock()

	q.logger.Debug("feed dispatched",
		"feed_id", q.feedID,
		"remote_id", rf.RemoteID,
		"samples", len(batch),
	)
	return nil
}

// Discover confirms the remote feed, or creates one, and persists its id.
func (q *Queue) Discover(ctx context.Context) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if err := q.load(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	rf := q.remote
	q.mu.Unlock()

	_, err := q.discover(ctx, rf)
	return err
}

func (q *Queue) fail(err error, rolledBack int) {
	q.mu.Lock()
	q.stats.Failures++
	q.stats.LastError = err.Error()
	q.mu.Unlock()

	q.logger.Warn("remote delivery failed",
		"feed_id", q.feedID,
		"rollback", rolledBack,
		"error", err,
	)
}

// resolve returns the remote feed to write to, discovering it when unknown
// or when the last delivery failed. Caller holds flushMu.
func (q *Queue) resolve(ctx context.Context) (*RemoteFeed, error) {
	if err := q.load(ctx); err != nil {
		return nil, err
	}

	q.mu.Lock()
	rf, stale := q.remote, q.stale
	q.mu.Unlock()

	if rf != nil && !stale {
		return rf, nil
	}
	return q.discover(ctx, rf)
}

// load reads the persisted remote feed once. Caller holds flushMu.
func (q *Queue) load(ctx context.Context) error {
	q.mu.Lock()
	loaded := q.loaded
	q.mu.Unlock()
	if loaded {
		return nil
	}

	rf, err := q.store.Load(ctx, q.feedID)
	switch {
	case errors.Is(err, ErrNoRemoteFeed):
		rf = nil
	case err != nil:
		return err
	}

	q.mu.Lock()
	q.remote = rf
	q.loaded = true
	q.mu.Unlock()
	return nil
}

// discover checks rf on the remote service and creates a new remote feed
// when rf is nil or gone. Caller holds flushMu.
func (q *Queue) discover(ctx context.Context, rf *RemoteFeed) (*RemoteFeed, error) {
	title := uuid.NewString()

	if rf != nil {
		status, _, err := q.do(ctx, http.MethodGet, q.settings.BaseURL+feedsPath+rf.RemoteID, nil)
		if err != nil {
			return nil, err
		}
		switch status {
		case http.StatusOK:
			q.mu.Lock()
			q.stale = false
			q.mu.Unlock()
			q.logger.Debug("remote feed confirmed", "feed_id", q.feedID, "remote_id", rf.RemoteID)
			return rf, nil
		case http.StatusNotFound:
			q.logger.Warn("remote feed not found, creating a new one",
				"feed_id", q.feedID,
				"remote_id", rf.RemoteID,
			)
			if err := q.store.Forget(ctx, q.feedID); err != nil {
				q.logger.Warn("forgetting remote feed failed", "feed_id", q.feedID, "error", err)
			}
			q.mu.Lock()
			q.remote = nil
			q.mu.Unlock()
			title = rf.Title
		default:
			return nil, fmt.Errorf("%w: fetching feed %s: status %d", ErrRemoteDelivery, rf.RemoteID, status)
		}
	}

	body, err := json.Marshal(feedDocument(title, q.settings.Metadata))
	if err != nil {
		return nil, fmt.Errorf("encoding feed document: %w", err)
	}
	status, header, err := q.do(ctx, http.MethodPost, q.settings.BaseURL+feedsPath, body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, fmt.Errorf("%w: creating feed: status %d", ErrRemoteDelivery, status)
	}
	remoteID := path.Base(strings.TrimRight(header.Get("Location"), "/"))
	if remoteID == "" || remoteID == "." || remoteID == "/" {
		return nil, fmt.Errorf("%w: creating feed: no Location header", ErrRemoteDelivery)
	}

	created := &RemoteFeed{
		FeedID:    q.feedID,
		RemoteID:  remoteID,
		Title:     title,
		UpdatedAt: time.Now(),
	}
	if err := q.store.Save(ctx, *created); err != nil {
		q.logger.Warn("persisting remote feed failed", "feed_id", q.feedID, "error", err)
	}

	q.mu.Lock()
	q.remote = created
	q.stale = false
	q.mu.Unlock()

	q.logger.Info("remote feed created", "feed_id", q.feedID, "remote_id", remoteID)
	return created, nil
}

func (q *Queue) put(ctx context.Context, remoteID string, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding feed document: %w", err)
	}
	status, _, err := q.do(ctx, http.MethodPut, q.settings.BaseURL+feedsPath+remoteID, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: updating feed %s: status %d", ErrRemoteDelivery, remoteID, status)
	}
	return nil
}

// do performs one authenticated request with its own timeout.
func (q *Queue) do(ctx context.Context, method, url string, body []byte) (int, http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, q.settings.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrRemoteDelivery, err)
	}
	req.Header.Set(apiKeyHeader, q.settings.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := q.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrRemoteDelivery, err)
	}
	httpkit.DrainAndClose(resp.Body, 64*1024)
	return resp.StatusCode, resp.Header, nil
}
