// Package mqtttest runs an in-process MQTT broker for tests.
package mqtttest

import (
	"net"
	"strconv"
	"testing"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/nerrad567/energino-core/internal/infrastructure/config"
)

// NewBroker starts an anonymous broker on a free loopback port and
// returns a client configuration pointing at it. The broker is closed
// when the test ends.
func NewBroker(t testing.TB, clientID string) config.MQTTConfig {
	t.Helper()

	port := freePort(t)
	server := mochi.New(nil)
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("broker AddHook() error = %v", err)
	}
	tcp := listeners.NewTCP(listeners.Config{
		Type:    "tcp",
		ID:      "test",
		Address: net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
	})
	if err := server.AddListener(tcp); err != nil {
		t.Fatalf("broker AddListener() error = %v", err)
	}
	if err := server.Serve(); err != nil {
		t.Fatalf("broker Serve() error = %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     port,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     2,
		},
		TopicPrefix: "energino",
	}
}

func freePort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
