// Package ingest applies device readings to the feed registry and fans
// them out to the dispatch queue and the optional InfluxDB mirror.
//
// Readings arrive through the HTTP API (PUT /feeds/{id}) and through MQTT
// on {prefix}/feeds/{id}/readings. Both paths end in Pipeline.Apply, so a
// reading is queued for delivery only after the registry accepted it.
package ingest
