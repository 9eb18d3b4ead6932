package feed

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/nerrad567/energino-core/internal/jsonmerge"
)

// Status is the derived liveness of a feed.
type Status string

// Feed liveness values.
const (
	StatusLive Status = "live"
	StatusDead Status = "dead"
)

// Well-known payload keys.
const (
	KeyID                = "id"
	KeyTitle             = "title"
	KeyVersion           = "version"
	KeyCreatedAt         = "created_at"
	KeyUpdatedAt         = "updated_at"
	KeyStatus            = "status"
	KeyDeviceAddress     = "device_address"
	KeyDispatcherAddress = "dispatcher_address"
	KeyDatastreams       = "datastreams"
	KeyClients           = "clients"

	// StreamClients is the datastream some agents use to report the
	// associated client count instead of a client list.
	StreamClients = "clients"
)

// reservedKeys cannot be set through the generic merge.
var reservedKeys = map[string]struct{}{
	KeyID:                {},
	KeyCreatedAt:         {},
	KeyUpdatedAt:         {},
	KeyStatus:            {},
	KeyDeviceAddress:     {},
	KeyDispatcherAddress: {},
}

// Feed is one registered device.
type Feed struct {
	ID                int
	Title             string
	Version           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeviceAddress     string
	DispatcherAddress string
	Datastreams       map[string]Datastream

	// Clients is nil when the feed has never reported clients or they
	// were reset; an empty non-nil slice means zero associated clients.
	Clients []any

	// Attributes holds every other top-level key supplied by clients.
	Attributes map[string]any

	// Status is computed when the snapshot is taken.
	Status Status
}

// DeepCopy returns a copy of the feed sharing no mutable state.
func (f *Feed) DeepCopy() *Feed {
	if f == nil {
		return nil
	}
	out := *f
	out.Datastreams = make(map[string]Datastream, len(f.Datastreams))
	for k, v := range f.Datastreams {
		out.Datastreams[k] = v
	}
	if f.Clients != nil {
		out.Clients = jsonmerge.Clone([]any(f.Clients)).([]any)
	}
	if f.Attributes != nil {
		out.Attributes = jsonmerge.Clone(f.Attributes).(map[string]any)
	}
	return &out
}

// ClientCount returns the number of associated clients: the length of
// the client list when present, otherwise the current value of the
// clients datastream, otherwise zero.
func (f *Feed) ClientCount() int {
	if f.Clients != nil {
		return len(f.Clients)
	}
	if ds, ok := f.Datastreams[StreamClients]; ok && ds.CurrentValue > 0 {
		return int(ds.CurrentValue)
	}
	return 0
}

// SortedDatastreams returns the datastreams ordered by id.
func (f *Feed) SortedDatastreams() []Datastream {
	out := make([]Datastream, 0, len(f.Datastreams))
	for _, ds := range f.Datastreams {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarshalJSON renders the feed as a flat document: free-form attributes
// first, then the registry-owned fields, with datastreams flattened to a
// sequence ordered by id.
func (f Feed) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(f.Attributes)+10)
	for k, v := range f.Attributes {
		doc[k] = v
	}

	doc[KeyID] = f.ID
	doc[KeyTitle] = f.Title
	doc[KeyVersion] = f.Version
	doc[KeyCreatedAt] = f.CreatedAt.UTC().Format(time.RFC3339Nano)
	doc[KeyUpdatedAt] = f.UpdatedAt.UTC().Format(time.RFC3339Nano)
	doc[KeyDatastreams] = f.SortedDatastreams()
	if f.Status != "" {
		doc[KeyStatus] = f.Status
	}
	if f.DeviceAddress != "" {
		doc[KeyDeviceAddress] = f.DeviceAddress
	}
	if f.DispatcherAddress != "" {
		doc[KeyDispatcherAddress] = f.DispatcherAddress
	}
	if f.Clients != nil {
		doc[KeyClients] = f.Clients
	}

	return json.Marshal(doc)
}
