package ingest

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/energino-core/internal/dispatch"
	"github.com/nerrad567/energino-core/internal/feed"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeQueue struct {
	mu      sync.Mutex
	samples []dispatch.Sample
}

func (q *fakeQueue) Enqueue(s dispatch.Sample) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.samples = append(q.samples, s)
}

func (q *fakeQueue) all() []dispatch.Sample {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]dispatch.Sample{}, q.samples...)
}

type mirrored struct {
	feedID int
	at     time.Time
	values map[string]float64
}

type fakeMirror struct {
	mu     sync.Mutex
	points []mirrored
}

func (m *fakeMirror) WriteReading(feedID int, at time.Time, values map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, mirrored{feedID, at, values})
}

func newRegistry(t *testing.T) *feed.Registry {
	t.Helper()
	r := feed.NewRegistry(feed.Options{
		DeviceAgents: []string{"Energino"},
		Now:          func() time.Time { return now },
	})
	if _, err := r.Create(map[string]any{"title": "ap", "version": "1.0.0"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return r
}

func TestPipeline_Apply(t *testing.T) {
	r := newRegistry(t)
	q := &fakeQueue{}
	m := &fakeMirror{}
	p := NewPipeline(r, q)
	p.SetMirror(m)

	at := now.Add(-time.Second)
	f, err := p.Apply(1, map[string]any{
		"version": "1.0.0",
		"datastreams": []any{
			map[string]any{"id": "power", "current_value": 5.0, "at": at.Format(time.RFC3339)},
			map[string]any{"id": "voltage", "current_value": "12.1"},
		},
	}, "10.0.0.5", "Energino")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if f.DeviceAddress != "10.0.0.5" {
		t.Errorf("DeviceAddress = %q", f.DeviceAddress)
	}

	samples := q.all()
	if len(samples) != 1 {
		t.Fatalf("enqueued %d samples, want 1", len(samples))
	}
	s := samples[0]
	if s.FeedID != 1 || s.Values["power"] != 5.0 || s.Values["voltage"] != 12.1 {
		t.Errorf("sample = %+v", s)
	}
	// The untimestamped value takes the update time, which is the latest.
	if !s.At.Equal(now) {
		t.Errorf("sample At = %v, want %v", s.At, now)
	}

	if len(m.points) != 1 || m.points[0].feedID != 1 || len(m.points[0].values) != 2 {
		t.Errorf("mirror = %+v", m.points)
	}
}

func TestPipeline_ApplyRejected(t *testing.T) {
	tests := []struct {
		name    string
		id      int
		partial map[string]any
		wantErr error
	}{
		{
			name:    "unknown feed",
			id:      9,
			partial: map[string]any{"datastreams": []any{map[string]any{"id": "power", "current_value": 1}}},
			wantErr: feed.ErrNotFound,
		},
		{
			name:    "bad value",
			id:      1,
			partial: map[string]any{"datastreams": []any{map[string]any{"id": "power", "current_value": "lots"}}},
			wantErr: feed.ErrValidation,
		},
		{
			name:    "nothing recognised",
			id:      1,
			partial: map[string]any{"colour": "red"},
			wantErr: feed.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{}
			p := NewPipeline(newRegistry(t), q)

			if _, err := p.Apply(tt.id, tt.partial, "", ""); !errors.Is(err, tt.wantErr) {
				t.Errorf("Apply() error = %v, want %v", err, tt.wantErr)
			}
			if n := len(q.all()); n != 0 {
				t.Errorf("enqueued %d samples after rejection", n)
			}
		})
	}
}

func TestPipeline_ApplyWithoutSamples(t *testing.T) {
	q := &fakeQueue{}
	p := NewPipeline(newRegistry(t), q)

	_, err := p.Apply(1, map[string]any{"clients": []any{map[string]any{"mac": "aa"}}}, "10.0.0.9", "Occupancy")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if n := len(q.all()); n != 0 {
		t.Errorf("enqueued %d samples for a clients-only update", n)
	}
}

func TestPipeline_NilDispatch(t *testing.T) {
	p := NewPipeline(newRegistry(t), nil)

	_, err := p.Ingest(Reading{FeedID: 1, Values: map[string]float64{"power": 2}})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
}

func TestPipeline_Ingest(t *testing.T) {
	r := newRegistry(t)
	q := &fakeQueue{}
	p := NewPipeline(r, q)
	at := now.Add(-2 * time.Second)

	_, err := p.Ingest(Reading{
		FeedID:  1,
		At:      at,
		Agent:   "EnerginoEthernet",
		Address: "10.0.0.7",
		Values:  map[string]float64{"power": 3, "switch": 0},
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	f, _ := r.Get(1)
	if f.Datastreams["power"].CurrentValue != 3 || !f.Datastreams["power"].At.Equal(at) {
		t.Errorf("power = %+v", f.Datastreams["power"])
	}
	if f.DispatcherAddress != "10.0.0.7" {
		t.Errorf("DispatcherAddress = %q, want 10.0.0.7 for an unlisted agent", f.DispatcherAddress)
	}
	if s := q.all(); len(s) != 1 || !s[0].At.Equal(at) {
		t.Errorf("samples = %+v", s)
	}

	if _, err := p.Ingest(Reading{FeedID: 1}); !errors.Is(err, feed.ErrValidation) {
		t.Errorf("Ingest(empty) error = %v, want ErrValidation", err)
	}
}

// pausingUpdater holds the first Update after it reaches the registry
// until release is closed.
type pausingUpdater struct {
	FeedUpdater
	once    sync.Once
	updated chan struct{}
	release chan struct{}
}

func (u *pausingUpdater) Update(id int, partial map[string]any, addr, agent string) (*feed.Feed, error) {
	f, err := u.FeedUpdater.Update(id, partial, addr, agent)
	first := false
	u.once.Do(func() { first = true })
	if first {
		close(u.updated)
		<-u.release
	}
	return f, err
}

func TestPipeline_ConcurrentApplyKeepsRegistryOrder(t *testing.T) {
	r := newRegistry(t)
	u := &pausingUpdater{FeedUpdater: r, updated: make(chan struct{}), release: make(chan struct{})}
	q := &fakeQueue{}
	p := NewPipeline(u, q)

	reading := func(v float64, at time.Time) map[string]any {
		return map[string]any{"datastreams": []any{
			map[string]any{"id": "power", "current_value": v, "at": at.Format(time.RFC3339Nano)},
		}}
	}
	first, second := now.Add(-2*time.Second), now.Add(-time.Second)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := p.Apply(1, reading(1, first), "", ""); err != nil {
			t.Errorf("Apply(1) error = %v", err)
		}
	}()
	<-u.updated
	go func() {
		defer wg.Done()
		if _, err := p.Apply(1, reading(2, second), "", ""); err != nil {
			t.Errorf("Apply(2) error = %v", err)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	if n := len(q.all()); n != 0 {
		t.Fatalf("second reading enqueued while the first was still in flight (%d samples)", n)
	}
	close(u.release)
	wg.Wait()

	samples := q.all()
	if len(samples) != 2 {
		t.Fatalf("enqueued %d samples, want 2", len(samples))
	}
	if samples[0].Values["power"] != 1 || samples[1].Values["power"] != 2 {
		t.Errorf("queue order = %v, %v, want 1, 2", samples[0].Values["power"], samples[1].Values["power"])
	}
	if samples[1].At.Before(samples[0].At) {
		t.Errorf("queue times go backwards: %v then %v", samples[0].At, samples[1].At)
	}
	f, _ := r.Get(1)
	if f.Datastreams["power"].CurrentValue != 2 {
		t.Errorf("registry current = %v, want 2", f.Datastreams["power"].CurrentValue)
	}
}

func TestPipeline_BackdatedReadingKeepsQueueTimeOrdered(t *testing.T) {
	q := &fakeQueue{}
	p := NewPipeline(newRegistry(t), q)

	for _, at := range []time.Time{now.Add(-time.Second), now.Add(-time.Hour)} {
		if _, err := p.Ingest(Reading{FeedID: 1, At: at, Values: map[string]float64{"power": 1}}); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}

	samples := q.all()
	if len(samples) != 2 {
		t.Fatalf("enqueued %d samples, want 2", len(samples))
	}
	if !samples[1].At.Equal(samples[0].At) {
		t.Errorf("back-dated sample at %v, want clamped to %v", samples[1].At, samples[0].At)
	}
}
