// Package influxdb mirrors ingested readings and controller transitions
// into InfluxDB v2.
//
// The mirror is optional and lossy by nature: writes are batched and
// non-blocking, and failures surface through SetOnError rather than to the
// ingest path. The remote telemetry service fed by the dispatch queue
// remains the system of record.
//
// Measurements:
//
//	energino_readings     tag feed_id, one float field per datastream
//	energino_controller   tags feed_id, from, to; field state_code
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteReading(3, at, map[string]float64{"power": 4.2})
package influxdb
