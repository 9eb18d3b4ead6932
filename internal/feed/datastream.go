package feed

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/relvacode/iso8601"
)

// Datastream is one named metric inside a feed.
//
// Invariant: MinValue <= CurrentValue <= MaxValue. Min and max only widen.
type Datastream struct {
	ID           string    `json:"id"`
	CurrentValue float64   `json:"current_value"`
	MaxValue     float64   `json:"max_value"`
	MinValue     float64   `json:"min_value"`
	At           time.Time `json:"at"`
}

// NewDatastream creates a datastream from its first sample.
func NewDatastream(id string, value float64, at time.Time) Datastream {
	return Datastream{
		ID:           id,
		CurrentValue: value,
		MaxValue:     value,
		MinValue:     value,
		At:           at,
	}
}

// Observe records a new sample. At never moves backwards: a back-dated
// sample updates the values but keeps the newer timestamp.
func (d *Datastream) Observe(value float64, at time.Time) {
	d.CurrentValue = value
	if value > d.MaxValue {
		d.MaxValue = value
	}
	if value < d.MinValue {
		d.MinValue = value
	}
	if at.After(d.At) {
		d.At = at
	}
}

// Sample is one validated datastream entry from an update payload.
type Sample struct {
	ID    string
	Value float64

	// At is zero when the reporter did not timestamp the sample.
	At time.Time
}

// ParseSamples validates the "datastreams" member of an update payload.
// Each entry needs a non-empty string id and a numeric current_value;
// an optional "at" must be an ISO 8601 timestamp.
func ParseSamples(raw any) ([]Sample, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: datastreams must be a list", ErrValidation)
	}

	samples := make([]Sample, 0, len(list))
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: datastreams[%d] must be an object", ErrValidation, i)
		}

		id, _ := entry["id"].(string) //nolint:errcheck // checked via empty string below
		if id == "" {
			return nil, fmt.Errorf("%w: datastreams[%d].id is required", ErrValidation, i)
		}

		value, err := ParseValue(entry["current_value"])
		if err != nil {
			return nil, fmt.Errorf("%w: datastreams[%d].current_value: %w", ErrValidation, i, err)
		}

		s := Sample{ID: id, Value: value}
		if rawAt, present := entry["at"]; present && rawAt != nil {
			str, ok := rawAt.(string)
			if !ok {
				return nil, fmt.Errorf("%w: datastreams[%d].at must be a string", ErrValidation, i)
			}
			at, err := iso8601.ParseString(str)
			if err != nil {
				return nil, fmt.Errorf("%w: datastreams[%d].at: %w", ErrValidation, i, err)
			}
			s.At = at
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// ParseValue converts a decoded JSON value to a sample value. Numbers and
// numeric strings are accepted.
func ParseValue(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case json.Number:
		return val.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("not a number: %q", val)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("missing value")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
