package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/energino-core/internal/controller"
	"github.com/nerrad567/energino-core/internal/infrastructure/config"
	"github.com/nerrad567/energino-core/internal/infrastructure/mqtt/mqtttest"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("ENERGINO_CONFIG", path)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("ENERGINO_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with a missing config file")
	}
}

func TestRun_InvalidControllerMode(t *testing.T) {
	writeConfig(t, `
database:
  enabled: false
controller:
  mode: "sometimes"
`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "controller.mode") {
		t.Fatalf("run() error = %v, want controller.mode validation failure", err)
	}
}

func TestRun_MQTTUnreachable(t *testing.T) {
	writeConfig(t, `
database:
  enabled: false
mqtt:
  enabled: true
  broker:
    host: "127.0.0.1"
    port: 1
    client_id: "energino-test"
`)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail when the broker is unreachable")
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	broker := mqtttest.NewBroker(t, "energino-main-test")
	port := freePort(t)
	writeConfig(t, fmt.Sprintf(`
api:
  host: "127.0.0.1"
  port: %d
logging:
  level: error
  format: text
database:
  enabled: true
  path: %q
  wal_mode: true
  busy_timeout: 5
mqtt:
  enabled: true
  broker:
    host: "127.0.0.1"
    port: %d
    client_id: "energino-main-test"
  qos: 1
  topic_prefix: "energino"
registry:
  default_feeds: 2
  default_title: "My feed"
controller:
  enabled: true
  mode: two_state
  tick: 50
`, port, filepath.Join(t.TempDir(), "energino.db"), broker.Broker.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	var list struct {
		Results []struct {
			ID    int    `json:"id"`
			Title string `json:"title"`
			Feed  string `json:"feed"`
		} `json:"results"`
		TotalResults int `json:"totalResults"`
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(base + "/v2/feeds.json")
		if err == nil {
			err = json.NewDecoder(resp.Body).Decode(&list)
			resp.Body.Close()
			if err == nil {
				break
			}
		}
		select {
		case err := <-errCh:
			t.Fatalf("run() exited early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("API never came up: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if list.TotalResults != 2 || list.Results[0].Title != "My feed" {
		t.Errorf("default feeds = %+v", list)
	}
	if want := base + "/feeds/1.json"; list.Results[0].Feed != want {
		t.Errorf("self link = %q, want %q", list.Results[0].Feed, want)
	}

	resp, err := http.Get(base + "/controller")
	if err != nil {
		t.Fatalf("GET /controller: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /controller status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("run() error = %v, want clean shutdown", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not stop after cancel")
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("ENERGINO_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("ENERGINO_CONFIG", "/custom/config.yaml")
	if got := getConfigPath(); got != "/custom/config.yaml" {
		t.Errorf("getConfigPath() = %q, want override", got)
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		port    int
		baseURL string
		want    string
	}{
		{"explicit", "0.0.0.0", 8080, "https://energino.example", "https://energino.example"},
		{"wildcard host", "0.0.0.0", 8080, "", "http://localhost:8080"},
		{"named host", "10.0.0.2", 9000, "", "http://10.0.0.2:9000"},
		{"ipv6", "::1", 8080, "", "http://[::1]:8080"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.API.Host = tt.host
			cfg.API.Port = tt.port
			cfg.Registry.BaseURL = tt.baseURL
			if got := baseURL(cfg); got != tt.want {
				t.Errorf("baseURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestControllerConfig(t *testing.T) {
	got := controllerConfig(config.Default().Controller)

	if got.Mode != controller.ModeThreeState || got.Tick != time.Second {
		t.Errorf("mode/tick = %s/%v", got.Mode, got.Tick)
	}
	if len(got.Overrides) != 3 || got.Overrides[0].MinClients != 4 || len(got.Overrides[0].Feeds) != 3 {
		t.Errorf("overrides = %+v", got.Overrides)
	}
	if _, err := controller.New(got, nil, nil); err != nil {
		t.Errorf("default config rejected: %v", err)
	}
}

func TestControllerConfig_ZeroValuesFromYAML(t *testing.T) {
	writeConfig(t, `
controller:
  online_timeout: 0
  idle_timeout: 0
  idle_duty_cycle: 0
`)
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ctrl, err := controller.New(controllerConfig(cfg.Controller), nil, nil)
	if err != nil {
		t.Fatalf("controller.New() error = %v", err)
	}
	got := ctrl.Config()
	if got.OnlineTimeout != 0 || got.IdleTimeout != 0 || got.IdleDutyCycle != 0 {
		t.Errorf("policy = %+v, want zero timeouts and idle duty cycle", got)
	}
	if got.SwitchCut != 1 || got.SwitchRestore != 0 {
		t.Errorf("switch encoding = %d/%d, want defaults 1/0", got.SwitchCut, got.SwitchRestore)
	}
}

func TestDispatchSettings(t *testing.T) {
	cfg := config.Default().Dispatch
	cfg.APIKey = "k"
	cfg.Metadata.Tags = []string{"ap"}

	got := dispatchSettings(cfg)
	if got.BaseURL != cfg.URL || got.APIKey != "k" {
		t.Errorf("url/key = %q/%q", got.BaseURL, got.APIKey)
	}
	if len(got.Streams) != len(cfg.Streams) || got.Streams[0].Symbol != "W" {
		t.Errorf("streams = %+v", got.Streams)
	}
	if got.Period != 10*time.Second || got.Timeout != 10*time.Second {
		t.Errorf("period/timeout = %v/%v", got.Period, got.Timeout)
	}
	if got.Metadata.Disposition != "fixed" || len(got.Metadata.Tags) != 1 {
		t.Errorf("metadata = %+v", got.Metadata)
	}
}
