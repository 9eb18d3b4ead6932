package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementReadings   = "energino_readings"
	MeasurementController = "energino_controller"
)

// stateCodes gives controller states a numeric field for graphing.
var stateCodes = map[string]int{
	"offline": 0,
	"idle":    1,
	"online":  2,
}

// WriteReading records one sample of a feed, one field per datastream.
// Empty samples are dropped.
func (c *Client) WriteReading(feedID int, at time.Time, values map[string]float64) {
	if !c.IsConnected() || len(values) == 0 {
		return
	}

	fields := make(map[string]any, len(values))
	for k, v := range values {
		fields[k] = v
	}
	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementReadings,
		map[string]string{"feed_id": strconv.Itoa(feedID)},
		fields,
		at,
	))
}

// WriteTransition records a controller state change.
func (c *Client) WriteTransition(feedID int, from, to string, at time.Time) {
	if !c.IsConnected() {
		return
	}

	code, ok := stateCodes[to]
	if !ok {
		code = -1
	}
	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementController,
		map[string]string{
			"feed_id": strconv.Itoa(feedID),
			"from":    from,
			"to":      to,
		},
		map[string]any{"state_code": code},
		at,
	))
}
