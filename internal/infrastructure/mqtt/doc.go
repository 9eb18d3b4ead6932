// Package mqtt provides the broker connection used for reading ingest and
// controller state publishing.
//
// The client wraps paho.mqtt.golang with:
//   - auto-reconnect with backoff and subscription restore
//   - a retained Last Will on {prefix}/system/status so consumers see when
//     the daemon disappears
//   - panic recovery around message handlers
//
// Topic layout (default prefix "energino"):
//
//	energino/feeds/{id}/readings       sensor readings, consumed
//	energino/controller/{id}/state     controller transitions, published
//	energino/system/status             online/offline, retained
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Subscribe(topics.AllFeedReadings(), 1, handler)
package mqtt
