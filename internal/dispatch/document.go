package dispatch

import (
	"fmt"
	"time"
)

// Sample is one reading snapshot awaiting delivery.
type Sample struct {
	FeedID int
	At     time.Time
	Values map[string]float64
}

// Stream describes one forwarded datastream and its unit.
type Stream struct {
	ID     string
	Type   string
	Label  string
	Symbol string
}

// Metadata describes the remote feed.
type Metadata struct {
	Website     string
	Tags        []string
	Name        string
	Disposition string
	Exposure    string
	Domain      string
	Lat         float64
	Lon         float64
}

// Document is the feed body sent to the remote service.
type Document struct {
	Version     string           `json:"version"`
	Title       string           `json:"title"`
	Website     string           `json:"website"`
	Tags        []string         `json:"tags"`
	Location    Location         `json:"location"`
	Datastreams []StreamDocument `json:"datastreams,omitempty"`
}

// Location is the geographic part of a Document.
type Location struct {
	Disposition string  `json:"disposition"`
	Name        string  `json:"name"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Exposure    string  `json:"exposure"`
	Domain      string  `json:"domain"`
}

// StreamDocument carries every datapoint of one stream in a batch.
type StreamDocument struct {
	ID           string      `json:"id"`
	CurrentValue float64     `json:"current_value"`
	Unit         Unit        `json:"unit"`
	Datapoints   []Datapoint `json:"datapoints"`
}

// Unit of a stream.
type Unit struct {
	Type   string `json:"type"`
	Label  string `json:"label"`
	Symbol string `json:"symbol"`
}

// Datapoint is one timestamped value. Value is rendered with three
// decimals.
type Datapoint struct {
	At    string `json:"at"`
	Value string `json:"value"`
}

const documentVersion = "1.0.0"

// feedDocument renders the metadata-only document used to create a
// remote feed.
func feedDocument(title string, meta Metadata) Document {
	tags := meta.Tags
	if tags == nil {
		tags = []string{}
	}
	return Document{
		Version: documentVersion,
		Title:   title,
		Website: meta.Website,
		Tags:    tags,
		Location: Location{
			Disposition: meta.Disposition,
			Name:        meta.Name,
			Lat:         meta.Lat,
			Lon:         meta.Lon,
			Exposure:    meta.Exposure,
			Domain:      meta.Domain,
		},
	}
}

// BuildDocument renders batch as a full feed update. Streams appear in
// configuration order; a stream with no value in the batch is left out.
// Samples keep their batch order within each stream, and current_value is
// the stream's last value.
func BuildDocument(title string, meta Metadata, streams []Stream, batch []Sample) Document {
	doc := feedDocument(title, meta)
	for _, s := range streams {
		sd := StreamDocument{
			ID:         s.ID,
			Unit:       Unit{Type: s.Type, Label: s.Label, Symbol: s.Symbol},
			Datapoints: []Datapoint{},
		}
		for _, sample := range batch {
			v, ok := sample.Values[s.ID]
			if !ok {
				continue
			}
			sd.CurrentValue = v
			sd.Datapoints = append(sd.Datapoints, Datapoint{
				At:    sample.At.UTC().Format(time.RFC3339Nano),
				Value: fmt.Sprintf("%.3f", v),
			})
		}
		if len(sd.Datapoints) > 0 {
			doc.Datastreams = append(doc.Datastreams, sd)
		}
	}
	return doc
}
