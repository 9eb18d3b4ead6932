package ingest

import (
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/energino-core/internal/dispatch"
	"github.com/nerrad567/energino-core/internal/feed"
)

// FeedUpdater is what the pipeline needs from the registry.
type FeedUpdater interface {
	Update(id int, partial map[string]any, sourceAddress, sourceAgent string) (*feed.Feed, error)
}

// Enqueuer buffers samples for remote delivery.
type Enqueuer interface {
	Enqueue(s dispatch.Sample)
}

// Mirror receives a copy of every accepted sample.
type Mirror interface {
	WriteReading(feedID int, at time.Time, values map[string]float64)
}

// Logger defines the logging interface used by the pipeline.
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

// Reading is one timestamped set of datastream values from an agent.
type Reading struct {
	FeedID  int
	At      time.Time // zero means receive time
	Agent   string
	Address string
	Values  map[string]float64
}

// Pipeline routes readings through the registry to the outputs.
//
// Thread Safety: Apply holds a per-feed lock across the registry update
// and the enqueue, so each feed's samples reach the queue in the order
// the registry applied them.
type Pipeline struct {
	feeds    FeedUpdater
	dispatch Enqueuer
	mirror   Mirror
	logger   Logger

	locksMu sync.Mutex
	locks   map[int]*sync.Mutex
}

// NewPipeline creates a pipeline. dispatch may be nil when delivery is
// disabled.
func NewPipeline(feeds FeedUpdater, dispatch Enqueuer) *Pipeline {
	return &Pipeline{
		feeds:    feeds,
		dispatch: dispatch,
		logger:   noopLogger{},
		locks:    make(map[int]*sync.Mutex),
	}
}

func (p *Pipeline) feedLock(id int) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	l, ok := p.locks[id]
	if !ok {
		l = &sync.Mutex{}
		p.locks[id] = l
	}
	return l
}

// SetLogger sets the logger for the pipeline.
func (p *Pipeline) SetLogger(logger Logger) {
	p.logger = logger
}

// SetMirror enables the time-series mirror.
func (p *Pipeline) SetMirror(m Mirror) {
	p.mirror = m
}

// Forget releases the per-feed state of a deleted feed.
func (p *Pipeline) Forget(id int) {
	p.locksMu.Lock()
	delete(p.locks, id)
	p.locksMu.Unlock()
}

// Apply updates feed id with partial and, when it carried datastream
// samples, queues them for delivery. The queued sample is stamped with
// the newest datastream time the registry recorded, so per feed the
// queue never goes back in time. Registry errors are returned as is.
func (p *Pipeline) Apply(id int, partial map[string]any, sourceAddress, sourceAgent string) (*feed.Feed, error) {
	var samples []feed.Sample
	if raw := partial[feed.KeyDatastreams]; raw != nil {
		// The registry validates the same payload; a bad one never gets here.
		samples, _ = feed.ParseSamples(raw)
	}

	l := p.feedLock(id)
	l.Lock()
	defer l.Unlock()

	f, err := p.feeds.Update(id, partial, sourceAddress, sourceAgent)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return f, nil
	}

	sample := dispatch.Sample{
		FeedID: id,
		Values: make(map[string]float64, len(samples)),
	}
	for _, s := range samples {
		sample.Values[s.ID] = s.Value
		at := s.At
		if ds, ok := f.Datastreams[s.ID]; ok {
			at = ds.At
		}
		if at.IsZero() {
			at = f.UpdatedAt
		}
		if at.After(sample.At) {
			sample.At = at
		}
	}

	if p.dispatch != nil {
		p.dispatch.Enqueue(sample)
	}
	if p.mirror != nil {
		p.mirror.WriteReading(id, sample.At, sample.Values)
	}

	p.logger.Debug("reading ingested",
		"feed_id", id,
		"values", len(sample.Values),
		"agent", sourceAgent,
	)
	return f, nil
}

// Ingest applies a reading.
func (p *Pipeline) Ingest(r Reading) (*feed.Feed, error) {
	if len(r.Values) == 0 {
		return nil, fmt.Errorf("%w: reading without values", feed.ErrValidation)
	}

	streams := make([]any, 0, len(r.Values))
	for id, v := range r.Values {
		entry := map[string]any{
			"id":            id,
			"current_value": v,
		}
		if !r.At.IsZero() {
			entry["at"] = r.At.UTC().Format(time.RFC3339Nano)
		}
		streams = append(streams, entry)
	}

	return p.Apply(r.FeedID, map[string]any{feed.KeyDatastreams: streams}, r.Address, r.Agent)
}
