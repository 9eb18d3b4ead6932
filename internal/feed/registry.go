package feed

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/energino-core/internal/jsonmerge"
)

// DefaultLivenessWindow is how long after its last update a feed reports
// status "live".
const DefaultLivenessWindow = 30 * time.Second

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Registry.
type Options struct {
	// LivenessWindow defaults to DefaultLivenessWindow.
	LivenessWindow time.Duration

	// DeviceAgents lists agent names that identify the sensor peripheral.
	// Updates from these agents set DeviceAddress; all others set
	// DispatcherAddress.
	DeviceAgents []string

	// BaseURL, when set, is used to build the "feed" self-link attribute.
	BaseURL string

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Registry owns all feeds. All public methods are thread-safe and every
// returned Feed is a deep copy.
type Registry struct {
	mu     sync.RWMutex
	feeds  map[int]*Feed
	lastID int

	window       time.Duration
	deviceAgents map[string]struct{}
	baseURL      string
	now          func() time.Time

	logger   Logger
	onChange func(Feed)
	onDelete func(id int)
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	window := opts.LivenessWindow
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	agents := make(map[string]struct{}, len(opts.DeviceAgents))
	for _, a := range opts.DeviceAgents {
		agents[a] = struct{}{}
	}
	return &Registry{
		feeds:        make(map[int]*Feed),
		window:       window,
		deviceAgents: agents,
		baseURL:      opts.BaseURL,
		now:          now,
		logger:       noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetOnChange registers a callback invoked with a snapshot after every
// successful create or update. It runs outside the registry lock.
func (r *Registry) SetOnChange(callback func(Feed)) {
	r.mu.Lock()
	r.onChange = callback
	r.mu.Unlock()
}

// SetOnDelete registers a callback invoked with the id of every deleted
// feed. It runs outside the registry lock.
func (r *Registry) SetOnDelete(callback func(id int)) {
	r.mu.Lock()
	r.onDelete = callback
	r.mu.Unlock()
}

// Create registers a new feed. fields must carry string "title" and
// "version"; any other keys except datastreams become attributes.
func (r *Registry) Create(fields map[string]any) (*Feed, error) {
	title, err := requiredString(fields, KeyTitle)
	if err != nil {
		return nil, err
	}
	version, err := requiredString(fields, KeyVersion)
	if err != nil {
		return nil, err
	}

	var clients []any
	if raw, ok := fields[KeyClients]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: clients must be a list", ErrValidation)
		}
		clients = jsonmerge.Clone(list).([]any)
	}

	attrs, err := jsonmerge.Merge(map[string]any{}, stripManaged(fields))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	r.mu.Lock()
	now := r.now()
	r.lastID++
	id := r.lastID
	attrs["private"] = "false"
	if r.baseURL != "" {
		attrs["feed"] = fmt.Sprintf("%s/feeds/%d.json", r.baseURL, id)
	}
	f := &Feed{
		ID:          id,
		Title:       title,
		Version:     version,
		CreatedAt:   now,
		UpdatedAt:   now,
		Datastreams: make(map[string]Datastream),
		Clients:     clients,
		Attributes:  attrs,
	}
	r.feeds[id] = f
	snap := r.snapshotLocked(f, now)
	callback := r.onChange
	r.mu.Unlock()

	r.logger.Info("feed created", "feed_id", id, "title", title)
	if callback != nil {
		callback(*snap)
	}
	return snap, nil
}

// Get returns one feed with its status computed at call time.
func (r *Registry) Get(id int) (*Feed, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.feeds[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return r.snapshotLocked(f, r.now()), nil
}

// List returns every feed ordered by id, with status computed at call time.
func (r *Registry) List() []Feed {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]Feed, 0, len(r.feeds))
	for _, f := range r.feeds {
		out = append(out, *r.snapshotLocked(f, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered feeds.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.feeds)
}

// Update applies a partial update reported by an agent.
//
// The payload must carry "version" or at least one of "datastreams" and
// "clients". Datastream samples are aggregated, the client list is
// replaced, the reporting address is recorded against the agent's role,
// and every remaining non-reserved key is merged into the feed's
// attributes. The whole payload is validated first; on error the feed is
// left untouched.
func (r *Registry) Update(id int, partial map[string]any, sourceAddress, sourceAgent string) (*Feed, error) {
	plan, err := r.planUpdate(partial)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	f, ok := r.feeds[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	merged, err := jsonmerge.Merge(f.Attributes, plan.attributes)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	now := r.now()
	for _, s := range plan.samples {
		at := s.At
		if at.IsZero() {
			at = now
		}
		if ds, exists := f.Datastreams[s.ID]; exists {
			ds.Observe(s.Value, at)
			f.Datastreams[s.ID] = ds
		} else {
			f.Datastreams[s.ID] = NewDatastream(s.ID, s.Value, at)
		}
	}
	if plan.hasClients {
		f.Clients = plan.clients
	}
	if sourceAddress != "" {
		if _, isDevice := r.deviceAgents[sourceAgent]; isDevice {
			f.DeviceAddress = sourceAddress
		} else {
			f.DispatcherAddress = sourceAddress
		}
	}
	if plan.title != "" {
		f.Title = plan.title
	}
	if plan.version != "" {
		f.Version = plan.version
	}
	f.Attributes = merged
	if now.After(f.UpdatedAt) {
		f.UpdatedAt = now
	}

	snap := r.snapshotLocked(f, now)
	callback := r.onChange
	r.mu.Unlock()

	r.logger.Debug("feed updated",
		"feed_id", id,
		"samples", len(plan.samples),
		"source", sourceAddress,
		"agent", sourceAgent,
	)
	if callback != nil {
		callback(*snap)
	}
	return snap, nil
}

// Delete removes a feed. Its id is never reused.
func (r *Registry) Delete(id int) error {
	r.mu.Lock()
	if _, ok := r.feeds[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	delete(r.feeds, id)
	callback := r.onDelete
	r.mu.Unlock()

	r.logger.Info("feed deleted", "feed_id", id)
	if callback != nil {
		callback(id)
	}
	return nil
}

// TotalClients returns the number of clients associated across all feeds.
// Feeds without a client list contribute zero.
func (r *Registry) TotalClients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, f := range r.feeds {
		total += len(f.Clients)
	}
	return total
}

// ResetClients forgets the client list of a feed.
func (r *Registry) ResetClients(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.feeds[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	f.Clients = nil
	return nil
}

// snapshotLocked copies f and stamps its status. Caller holds r.mu.
func (r *Registry) snapshotLocked(f *Feed, now time.Time) *Feed {
	snap := f.DeepCopy()
	if now.Sub(f.UpdatedAt) <= r.window {
		snap.Status = StatusLive
	} else {
		snap.Status = StatusDead
	}
	return snap
}

// updatePlan is a validated update payload.
type updatePlan struct {
	samples    []Sample
	clients    []any
	hasClients bool
	title      string
	version    string
	attributes map[string]any
}

func (r *Registry) planUpdate(partial map[string]any) (*updatePlan, error) {
	rawVersion := partial[KeyVersion]
	rawStreams := partial[KeyDatastreams]
	rawClients := partial[KeyClients]
	hasStreams, hasClients := rawStreams != nil, rawClients != nil
	if rawVersion == nil && !hasStreams && !hasClients {
		return nil, fmt.Errorf("%w: version, datastreams or clients required", ErrValidation)
	}

	plan := &updatePlan{}
	if hasStreams {
		samples, err := ParseSamples(rawStreams)
		if err != nil {
			return nil, err
		}
		plan.samples = samples
	}

	if hasClients {
		list, ok := rawClients.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: clients must be a list", ErrValidation)
		}
		plan.clients = jsonmerge.Clone(list).([]any)
		plan.hasClients = true
	}

	var err error
	if plan.title, err = optionalString(partial, KeyTitle); err != nil {
		return nil, err
	}
	if plan.version, err = optionalString(partial, KeyVersion); err != nil {
		return nil, err
	}

	plan.attributes = stripManaged(partial)
	return plan, nil
}

// stripManaged returns the keys of fields that are merged as free-form
// attributes: everything except reserved keys and the fields the
// registry manages itself.
func stripManaged(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		switch k {
		case KeyTitle, KeyVersion, KeyDatastreams, KeyClients:
			continue
		}
		out[k] = v
	}
	return out
}

func requiredString(fields map[string]any, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return "", fmt.Errorf("%w: %s is required", ErrValidation, key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrValidation, key)
	}
	return s, nil
}

// optionalString returns "" when key is absent or null.
func optionalString(fields map[string]any, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrValidation, key)
	}
	return s, nil
}
