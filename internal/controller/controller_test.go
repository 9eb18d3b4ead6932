package controller

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/energino-core/internal/audit"
	"github.com/nerrad567/energino-core/internal/command"
	"github.com/nerrad567/energino-core/internal/feed"
)

type call struct {
	addr  string
	key   string
	value string
}

// fakeCommander confirms every command with the requested value unless
// fail is set.
type fakeCommander struct {
	mu    sync.Mutex
	calls []call
	fail  int // number of upcoming calls to fail
}

func (f *fakeCommander) Write(_ context.Context, addr, key, value string) command.Result {
	return f.record(call{addr: addr, key: key, value: value})
}

func (f *fakeCommander) SetDutyCycle(_ context.Context, addr string, percent int) command.Result {
	return f.record(call{addr: addr, key: StreamDutyCycle, value: strconv.Itoa(percent)})
}

func (f *fakeCommander) record(c call) command.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.fail > 0 {
		f.fail--
		return command.Result{
			Outcome: command.OutcomeTimeout,
			Err:     command.ErrTimeout,
		}
	}
	v, _ := feed.ParseValue(c.value)
	return command.Result{Outcome: command.OutcomeOK, StatusCode: 200, Value: v, HasValue: true}
}

func (f *fakeCommander) callsFor(key string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.key == key {
			out = append(out, c)
		}
	}
	return out
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *fakeAudit) Create(_ context.Context, e *audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, *e)
	return nil
}

func (a *fakeAudit) List(context.Context, audit.Filter) (*audit.ListResult, error) {
	return nil, errors.New("not implemented")
}

func (a *fakeAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}

type published struct {
	topic   string
	payload string
}

type fakeMQTT struct {
	mu   sync.Mutex
	msgs []published
}

func (m *fakeMQTT) Publish(topic string, payload []byte, _ byte, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, published{topic: topic, payload: string(payload)})
	return nil
}

type fakeHub struct {
	mu     sync.Mutex
	events []any
}

func (h *fakeHub) Broadcast(channel string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if channel == TransitionChannel {
		h.events = append(h.events, payload)
	}
}

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newRegistry() *feed.Registry {
	return feed.NewRegistry(feed.Options{DeviceAgents: []string{"Energino"}})
}

// addFeed registers a feed reported by an agent at addr with the given
// switch and duty cycle readings; a negative value omits the datastream.
func addFeed(t *testing.T, r *feed.Registry, addr string, sw, duty float64) int {
	t.Helper()
	f, err := r.Create(map[string]any{"title": "ap", "version": "1.0.0"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	var streams []any
	if sw >= 0 {
		streams = append(streams, map[string]any{"id": StreamSwitch, "current_value": sw, "at": baseTime.Format(time.RFC3339)})
	}
	if duty >= 0 {
		streams = append(streams, map[string]any{"id": StreamDutyCycle, "current_value": duty, "at": baseTime.Format(time.RFC3339)})
	}
	if len(streams) > 0 {
		if _, err := r.Update(f.ID, map[string]any{"version": "1.0.0", "datastreams": streams}, addr, "Energino"); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}
	return f.ID
}

func setClients(t *testing.T, r *feed.Registry, id, n int) {
	t.Helper()
	clients := make([]any, n)
	for i := range clients {
		clients[i] = map[string]any{"mac": "00:00:00:00:00:0" + strconv.Itoa(i)}
	}
	if _, err := r.Update(id, map[string]any{"clients": clients}, "10.0.0.99", "Occupancy"); err != nil {
		t.Fatalf("Update(clients) error = %v", err)
	}
}

// policy returns DefaultConfig with the non-zero fields of p applied and
// no override rules unless p names some.
func policy(p Config) Config {
	cfg := DefaultConfig()
	cfg.Overrides = []OverrideRule{}
	if p.Mode != "" {
		cfg.Mode = p.Mode
	}
	if p.Tick != 0 {
		cfg.Tick = p.Tick
	}
	if p.OnlineTimeout != 0 {
		cfg.OnlineTimeout = p.OnlineTimeout
	}
	if p.IdleTimeout != 0 {
		cfg.IdleTimeout = p.IdleTimeout
	}
	if p.IdleDutyCycle != 0 {
		cfg.IdleDutyCycle = p.IdleDutyCycle
	}
	if p.Overrides != nil {
		cfg.Overrides = p.Overrides
	}
	return cfg
}

func newController(t *testing.T, cfg Config, r *feed.Registry, cmd Commander) *Controller {
	t.Helper()
	c, err := New(policy(cfg), r, cmd)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func ticks(c *Controller, n int) {
	for i := 0; i < n; i++ {
		c.Tick(context.Background())
	}
}

func stateOf(t *testing.T, c *Controller, id int) State {
	t.Helper()
	s, ok := c.State(id)
	if !ok {
		t.Fatalf("feed %d not observed", id)
	}
	return s
}

func TestController_Hysteresis(t *testing.T) {
	r := newRegistry()
	id := addFeed(t, r, "10.0.0.5", 0, 100)
	c := newController(t, Config{OnlineTimeout: 30, IdleTimeout: 30}, r, &fakeCommander{})

	ticks(c, 30)
	if got := stateOf(t, c, id); got != StateOnline {
		t.Fatalf("after 30 idle ticks state = %q, want online", got)
	}

	ticks(c, 1)
	if got := stateOf(t, c, id); got != StateIdle {
		t.Fatalf("after 31 idle ticks state = %q, want idle", got)
	}

	ticks(c, 30)
	if got := stateOf(t, c, id); got != StateIdle {
		t.Fatalf("after 30 more ticks state = %q, want idle", got)
	}
	ticks(c, 1)
	if got := stateOf(t, c, id); got != StateOffline {
		t.Fatalf("state = %q, want offline", got)
	}

	// Offline has no timer.
	ticks(c, 100)
	snap := c.Snapshot()
	if snap.Feeds[0].State != StateOffline || snap.Feeds[0].Counter != 0 {
		t.Errorf("offline feed = %+v, want offline with counter 0", snap.Feeds[0])
	}
}

func TestController_ClientsResetCounter(t *testing.T) {
	r := newRegistry()
	id := addFeed(t, r, "10.0.0.5", 0, 100)
	c := newController(t, Config{OnlineTimeout: 30}, r, &fakeCommander{})

	ticks(c, 30)
	setClients(t, r, id, 1)
	ticks(c, 1)
	if snap := c.Snapshot(); snap.Feeds[0].Counter != 0 {
		t.Fatalf("counter = %d after a tick with clients, want 0", snap.Feeds[0].Counter)
	}

	setClients(t, r, id, 0)
	ticks(c, 30)
	if got := stateOf(t, c, id); got != StateOnline {
		t.Errorf("state = %q, want online: counter restarted", got)
	}
	ticks(c, 1)
	if got := stateOf(t, c, id); got != StateIdle {
		t.Errorf("state = %q, want idle", got)
	}
}

func TestController_ClientsWakeOfflineFeed(t *testing.T) {
	r := newRegistry()
	id := addFeed(t, r, "10.0.0.5", 0, 100)
	c := newController(t, Config{Mode: ModeTwoState, OnlineTimeout: 2}, r, &fakeCommander{})

	ticks(c, 3)
	if got := stateOf(t, c, id); got != StateOffline {
		t.Fatalf("state = %q, want offline", got)
	}
	setClients(t, r, id, 2)
	ticks(c, 1)
	if got := stateOf(t, c, id); got != StateOnline {
		t.Errorf("state = %q, want online", got)
	}
}

func TestController_Overrides(t *testing.T) {
	tests := []struct {
		name         string
		clients      int // on feed 4
		wantOverride []int
	}{
		{"no clients", 0, []int{3}},
		{"two clients", 2, []int{2, 3}},
		{"three clients", 3, []int{2, 3}},
		{"four clients", 4, []int{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRegistry()
			for i := 0; i < 4; i++ {
				addFeed(t, r, "10.0.0.5", 0, 100)
			}
			if tt.clients > 0 {
				setClients(t, r, 4, tt.clients)
			}
			c := newController(t, Config{OnlineTimeout: 1, Overrides: DefaultOverrides()}, r, &fakeCommander{})

			ticks(c, 5)

			snap := c.Snapshot()
			if len(snap.Override) != len(tt.wantOverride) {
				t.Fatalf("Override = %v, want %v", snap.Override, tt.wantOverride)
			}
			overridden := make(map[int]bool)
			for i, id := range tt.wantOverride {
				if snap.Override[i] != id {
					t.Fatalf("Override = %v, want %v", snap.Override, tt.wantOverride)
				}
				overridden[id] = true
			}
			for _, fs := range snap.Feeds {
				wantOnline := overridden[fs.FeedID] || (fs.FeedID == 4 && tt.clients > 0)
				if (fs.State == StateOnline) != wantOnline {
					t.Errorf("feed %d state = %q, online want %v", fs.FeedID, fs.State, wantOnline)
				}
			}
		})
	}
}

func TestController_TwoStateCutsPower(t *testing.T) {
	r := newRegistry()
	id := addFeed(t, r, "10.0.0.5", 0, 100) // switch restored
	setClients(t, r, id, 0)
	cmd := &fakeCommander{}
	c := newController(t, Config{Mode: ModeTwoState, OnlineTimeout: 30}, r, cmd)

	ticks(c, 30)
	if n := len(cmd.calls); n != 0 {
		t.Fatalf("%d commands while online, want 0", n)
	}

	ticks(c, 1)
	if got := stateOf(t, c, id); got != StateOffline {
		t.Fatalf("state = %q, want offline", got)
	}

	ticks(c, 10)

	duty := cmd.callsFor(StreamDutyCycle)
	if len(duty) != 1 || duty[0].value != "0" {
		t.Errorf("duty cycle commands = %+v, want exactly one lowering to 0", duty)
	}
	sw := cmd.callsFor(StreamSwitch)
	if len(sw) != 1 || sw[0].value != "1" {
		t.Errorf("switch commands = %+v, want exactly one cut", sw)
	}
	if sw[0].addr != "10.0.0.5" {
		t.Errorf("switch addr = %q, want device address", sw[0].addr)
	}

	f, _ := r.Get(id)
	if f.Clients != nil {
		t.Errorf("Clients = %v after confirmed cut, want reset", f.Clients)
	}
}

func TestController_IdleLowersDutyCycle(t *testing.T) {
	r := newRegistry()
	id := addFeed(t, r, "10.0.0.5", 0, 100)
	cmd := &fakeCommander{}
	c := newController(t, Config{OnlineTimeout: 1, IdleTimeout: 5, IdleDutyCycle: 20}, r, cmd)

	ticks(c, 2)
	if got := stateOf(t, c, id); got != StateIdle {
		t.Fatalf("state = %q, want idle", got)
	}
	duty := cmd.callsFor(StreamDutyCycle)
	if len(duty) != 1 || duty[0].value != "20" {
		t.Errorf("duty cycle commands = %+v, want one to 20", duty)
	}
	if sw := cmd.callsFor(StreamSwitch); len(sw) != 0 {
		t.Errorf("switch commands = %+v while idle, want none", sw)
	}
}

func TestController_UnknownDutyCycleIsWritten(t *testing.T) {
	r := newRegistry()
	addFeed(t, r, "10.0.0.5", 0, -1)
	cmd := &fakeCommander{}
	c := newController(t, Config{}, r, cmd)

	ticks(c, 3)

	duty := cmd.callsFor(StreamDutyCycle)
	if len(duty) != 1 || duty[0].value != "100" {
		t.Errorf("duty cycle commands = %+v, want one to 100", duty)
	}
}

func TestController_UnknownSwitchIsLeftAlone(t *testing.T) {
	r := newRegistry()
	id := addFeed(t, r, "10.0.0.5", -1, 100)
	cmd := &fakeCommander{}
	c := newController(t, Config{Mode: ModeTwoState, OnlineTimeout: 1}, r, cmd)

	ticks(c, 5)

	if got := stateOf(t, c, id); got != StateOffline {
		t.Fatalf("state = %q, want offline", got)
	}
	if sw := cmd.callsFor(StreamSwitch); len(sw) != 0 {
		t.Errorf("switch commands = %+v with unknown position, want none", sw)
	}
}

func TestController_NewerSwitchReadingRefreshesCache(t *testing.T) {
	r := newRegistry()
	id := addFeed(t, r, "10.0.0.5", 0, 100)
	cmd := &fakeCommander{}
	c := newController(t, Config{}, r, cmd)

	ticks(c, 1)
	if sw := cmd.callsFor(StreamSwitch); len(sw) != 0 {
		t.Fatalf("switch commands = %+v, want none", sw)
	}

	// Someone cut the switch by hand; the next report shows it.
	later := baseTime.Add(time.Minute).Format(time.RFC3339)
	_, err := r.Update(id, map[string]any{"datastreams": []any{
		map[string]any{"id": StreamSwitch, "current_value": 1, "at": later},
	}}, "10.0.0.5", "Energino")
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	ticks(c, 3)

	sw := cmd.callsFor(StreamSwitch)
	if len(sw) != 1 || sw[0].value != "0" {
		t.Errorf("switch commands = %+v, want one restore", sw)
	}
}

func TestController_FailedCommandRetried(t *testing.T) {
	r := newRegistry()
	id := addFeed(t, r, "10.0.0.5", 0, 100)
	cmd := &fakeCommander{}
	auditLog := &fakeAudit{}
	c := newController(t, Config{Mode: ModeTwoState, OnlineTimeout: 1}, r, cmd)
	c.SetAuditRepository(auditLog)

	ticks(c, 1)
	cmd.mu.Lock()
	cmd.fail = 2 // both commands of the transition tick
	cmd.mu.Unlock()

	ticks(c, 1)
	if got := stateOf(t, c, id); got != StateOffline {
		t.Fatalf("state = %q, want offline", got)
	}
	snap := c.Snapshot()
	if *snap.Feeds[0].Switch != 0 || *snap.Feeds[0].DutyCycle != 100 {
		t.Errorf("cache = switch %v duty %v, want unchanged 0/100", *snap.Feeds[0].Switch, *snap.Feeds[0].DutyCycle)
	}

	ticks(c, 1)
	if n := len(cmd.callsFor(StreamSwitch)); n != 2 {
		t.Errorf("switch commands = %d, want 2 (failure then retry)", n)
	}
	if n := len(cmd.callsFor(StreamDutyCycle)); n != 2 {
		t.Errorf("duty cycle commands = %d, want 2 (failure then retry)", n)
	}

	var failed, transitions int
	for _, a := range auditLog.actions() {
		switch a {
		case audit.ActionCommandFailed:
			failed++
		case audit.ActionTransition:
			transitions++
		}
	}
	if failed != 2 {
		t.Errorf("command_failed audit entries = %d, want 2", failed)
	}
	if transitions != 1 {
		t.Errorf("transition audit entries = %d, want 1", transitions)
	}
}

func TestController_NoAddressNoCommand(t *testing.T) {
	r := newRegistry()
	if _, err := r.Create(map[string]any{"title": "My feed", "version": "1.0.0"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	cmd := &fakeCommander{}
	c := newController(t, Config{}, r, cmd)

	ticks(c, 3)

	if len(cmd.calls) != 0 {
		t.Errorf("commands = %+v for a feed that never reported, want none", cmd.calls)
	}
}

func TestController_TransitionsPublished(t *testing.T) {
	r := newRegistry()
	id := addFeed(t, r, "10.0.0.5", 0, 100)
	mq := &fakeMQTT{}
	hub := &fakeHub{}
	c := newController(t, Config{OnlineTimeout: 1}, r, &fakeCommander{})
	c.SetMQTT(mq, "site")
	c.SetHub(hub)
	var seen []Transition
	c.SetOnTransition(func(tr Transition) { seen = append(seen, tr) })

	ticks(c, 2)

	if len(seen) != 1 || seen[0].To != StateIdle {
		t.Errorf("callback saw %+v, want one transition to idle", seen)
	}

	if len(mq.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(mq.msgs))
	}
	if mq.msgs[0].topic != "site/controller/1/state" {
		t.Errorf("topic = %q", mq.msgs[0].topic)
	}
	if !strings.Contains(mq.msgs[0].payload, `"to":"idle"`) {
		t.Errorf("payload = %s, want to idle", mq.msgs[0].payload)
	}
	if len(hub.events) != 1 {
		t.Fatalf("broadcast %d events, want 1", len(hub.events))
	}
	tr := hub.events[0].(Transition)
	if tr.FeedID != id || tr.From != StateOnline || tr.To != StateIdle || tr.Reason != "online_timeout" {
		t.Errorf("transition = %+v", tr)
	}
}

func TestController_Disabled(t *testing.T) {
	r := newRegistry()
	addFeed(t, r, "10.0.0.5", 0, -1)
	cmd := &fakeCommander{}
	cfg := policy(Config{OnlineTimeout: 1})
	cfg.Enabled = false
	c, err := New(cfg, r, cmd)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ticks(c, 10)

	if len(cmd.calls) != 0 {
		t.Errorf("commands = %+v while disabled, want none", cmd.calls)
	}
	snap := c.Snapshot()
	if snap.Enabled || len(snap.Feeds) != 0 {
		t.Errorf("Snapshot() = %+v, want disabled with no feeds", snap)
	}
}

func TestController_DeletedFeedForgotten(t *testing.T) {
	r := newRegistry()
	id := addFeed(t, r, "10.0.0.5", 0, 100)
	c := newController(t, Config{}, r, &fakeCommander{})

	ticks(c, 1)
	if err := r.Delete(id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	ticks(c, 1)

	if _, ok := c.State(id); ok {
		t.Error("deleted feed still tracked")
	}
}

func TestController_Run(t *testing.T) {
	r := newRegistry()
	id := addFeed(t, r, "10.0.0.5", 0, 100)
	c := newController(t, Config{Tick: 5 * time.Millisecond, OnlineTimeout: 2}, r, &fakeCommander{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if s, ok := c.State(id); ok && s == StateIdle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("feed never went idle")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"defaults", func(*Config) {}, nil},
		{"two state", func(c *Config) { c.Mode = ModeTwoState }, nil},
		{"empty mode", func(c *Config) { c.Mode = "" }, nil},
		{"zero timeouts and duty", func(c *Config) {
			c.OnlineTimeout, c.IdleTimeout, c.IdleDutyCycle = 0, 0, 0
		}, nil},
		{"unknown mode", func(c *Config) { c.Mode = "four_state" }, ErrInvalidMode},
		{"negative timeout", func(c *Config) { c.OnlineTimeout = -1 }, ErrInvalidConfig},
		{"duty cycle too high", func(c *Config) { c.IdleDutyCycle = 150 }, ErrInvalidConfig},
		{"cut equals restore", func(c *Config) { c.SwitchCut, c.SwitchRestore = 1, 1 }, ErrInvalidConfig},
		{"zero value", func(c *Config) { *c = Config{} }, ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, newRegistry(), &fakeCommander{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{SwitchCut: 1, OnlineTimeout: 30}, newRegistry(), &fakeCommander{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	cfg := c.Config()
	if cfg.Mode != ModeThreeState || cfg.Tick != DefaultTick || cfg.OnlineTimeout != 30 ||
		cfg.SwitchCut != 1 || cfg.SwitchRestore != 0 || len(cfg.Overrides) != 3 {
		t.Errorf("Config() = %+v", cfg)
	}
	if cfg.IdleTimeout != 0 || cfg.IdleDutyCycle != 0 {
		t.Errorf("zero policy values rewritten: %+v", cfg)
	}
}

func TestController_ZeroPolicyValuesHonoured(t *testing.T) {
	r := newRegistry()
	id := addFeed(t, r, "10.0.0.5", 0, 100)
	cmd := &fakeCommander{}
	cfg := DefaultConfig()
	cfg.Overrides = []OverrideRule{}
	cfg.OnlineTimeout = 0
	cfg.IdleTimeout = 5
	cfg.IdleDutyCycle = 0
	c, err := New(cfg, r, cmd)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ticks(c, 1)
	if got := stateOf(t, c, id); got != StateIdle {
		t.Fatalf("state after one empty tick = %q, want idle", got)
	}
	duty := cmd.callsFor(StreamDutyCycle)
	if len(duty) != 1 || duty[0].value != "0" {
		t.Errorf("duty cycle commands = %+v, want one to 0", duty)
	}
}
