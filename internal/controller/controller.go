package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/energino-core/internal/audit"
	"github.com/nerrad567/energino-core/internal/command"
	"github.com/nerrad567/energino-core/internal/feed"
)

// Defaults used by DefaultConfig. New fills only Mode, Tick and
// Overrides; zero timeouts and a zero idle duty cycle are honoured.
const (
	DefaultTick          = time.Second
	DefaultOnlineTimeout = 30
	DefaultIdleTimeout   = 30
	DefaultIdleDutyCycle = 50
	DefaultSwitchCut     = 1
	DefaultSwitchRestore = 0

	// TransitionChannel is the hub channel transitions are broadcast on.
	TransitionChannel = "controller.transition"

	auditTimeout = 5 * time.Second
)

// FeedSource is what the controller needs from the feed registry.
type FeedSource interface {
	List() []feed.Feed
	TotalClients() int
	ResetClients(id int) error
}

// Commander issues device commands.
type Commander interface {
	Write(ctx context.Context, addr, key, value string) command.Result
	SetDutyCycle(ctx context.Context, addr string, percent int) command.Result
}

// MQTTClient publishes transitions.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// WSHub broadcasts transitions to WebSocket subscribers.
type WSHub interface {
	Broadcast(channel string, payload any)
}

// Logger defines the logging interface used by the Controller.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Controller runs the per-feed power state machine.
//
// Thread Safety: Tick must not be called concurrently with itself; Run
// serialises ticks. Snapshot is safe from any goroutine.
type Controller struct {
	cfg   Config
	feeds FeedSource
	cmd   Commander

	audit       audit.Repository
	mqtt        MQTTClient
	topicPrefix string
	hub         WSHub
	onChange    func(Transition)
	logger      Logger
	now         func() time.Time

	mu       sync.RWMutex
	states   map[int]*feedState
	total    int
	override []int
}

// New creates a controller. An empty Mode, a non-positive Tick and nil
// Overrides take their defaults; every other field is used as given.
func New(cfg Config, feeds FeedSource, cmd Commander) (*Controller, error) {
	cfg = withDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return &Controller{
		cfg:         cfg,
		feeds:       feeds,
		cmd:         cmd,
		topicPrefix: "energino",
		logger:      noopLogger{},
		now:         time.Now,
		states:      make(map[int]*feedState),
	}, nil
}

// SetLogger sets the logger for the controller.
func (c *Controller) SetLogger(logger Logger) {
	c.logger = logger
}

// SetAuditRepository enables audit records for transitions and failed
// commands.
func (c *Controller) SetAuditRepository(repo audit.Repository) {
	c.audit = repo
}

// SetMQTT enables publishing transitions to {prefix}/controller/{feed}/state.
func (c *Controller) SetMQTT(client MQTTClient, topicPrefix string) {
	c.mqtt = client
	if topicPrefix != "" {
		c.topicPrefix = topicPrefix
	}
}

// SetHub enables broadcasting transitions over WebSocket.
func (c *Controller) SetHub(hub WSHub) {
	c.hub = hub
}

// SetOnTransition registers a callback run after every transition is
// recorded. It runs on the tick goroutine and must not block.
func (c *Controller) SetOnTransition(callback func(Transition)) {
	c.onChange = callback
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	cfg := c.cfg
	cfg.Overrides = cloneOverrides(c.cfg.Overrides)
	return cfg
}

// Run ticks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	c.logger.Info("controller started",
		"enabled", c.cfg.Enabled,
		"mode", string(c.cfg.Mode),
		"tick", c.cfg.Tick.String(),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("controller stopped")
			return nil
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick evaluates every feed once. It does nothing when the controller is
// disabled.
func (c *Controller) Tick(ctx context.Context) {
	if !c.cfg.Enabled {
		return
	}

	feeds := c.feeds.List()
	total := c.feeds.TotalClients()
	override := c.overrideSet(total)

	seen := make(map[int]struct{}, len(feeds))
	for i := range feeds {
		f := &feeds[i]
		seen[f.ID] = struct{}{}

		tr, changed := c.evaluate(f, total, override)
		if changed {
			c.recordTransition(ctx, tr)
		}
		c.driveSwitch(ctx, f)
		c.driveDutyCycle(ctx, f)
	}

	c.mu.Lock()
	for id := range c.states {
		if _, ok := seen[id]; !ok {
			delete(c.states, id)
		}
	}
	c.total = total
	c.override = setToSorted(override)
	c.mu.Unlock()
}

// overrideSet returns the feeds kept online by the first matching rule.
func (c *Controller) overrideSet(total int) map[int]struct{} {
	set := make(map[int]struct{})
	for _, rule := range c.cfg.Overrides {
		if total >= rule.MinClients {
			for _, id := range rule.Feeds {
				set[id] = struct{}{}
			}
			break
		}
	}
	return set
}

// evaluate applies the transition rules to one feed.
func (c *Controller) evaluate(f *feed.Feed, total int, override map[int]struct{}) (Transition, bool) {
	count := f.ClientCount()

	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[f.ID]
	if !ok {
		st = &feedState{state: StateOnline}
		c.states[f.ID] = st
	}
	from := st.state

	var reason string
	_, overridden := override[f.ID]
	switch {
	case overridden:
		st.state, st.counter = StateOnline, 0
		reason = "override"
	case count > 0:
		st.state, st.counter = StateOnline, 0
		reason = "clients"
	default:
		if st.state != StateOffline {
			st.counter++
		}
		switch {
		case st.state == StateOnline && st.counter > c.cfg.OnlineTimeout:
			st.state = StateIdle
			if c.cfg.Mode == ModeTwoState {
				st.state = StateOffline
			}
			st.counter = 0
			reason = "online_timeout"
		case st.state == StateIdle && st.counter > c.cfg.IdleTimeout:
			st.state, st.counter = StateOffline, 0
			reason = "idle_timeout"
		}
	}

	if st.state == from {
		return Transition{}, false
	}
	return Transition{
		FeedID:  f.ID,
		From:    from,
		To:      st.state,
		Clients: total,
		Reason:  reason,
		At:      c.now().UTC(),
	}, true
}

func (c *Controller) recordTransition(ctx context.Context, tr Transition) {
	c.logger.Info("controller transition",
		"feed_id", tr.FeedID,
		"from", string(tr.From),
		"to", string(tr.To),
		"reason", tr.Reason,
		"total_clients", tr.Clients,
	)

	c.recordAudit(ctx, audit.ActionTransition, tr.FeedID, map[string]any{
		"from":          string(tr.From),
		"to":            string(tr.To),
		"reason":        tr.Reason,
		"total_clients": tr.Clients,
	})

	if c.hub != nil {
		c.hub.Broadcast(TransitionChannel, tr)
	}
	if c.onChange != nil {
		c.onChange(tr)
	}

	if c.mqtt != nil {
		payload, err := json.Marshal(tr)
		if err != nil {
			c.logger.Error("marshalling transition", "error", err)
			return
		}
		topic := fmt.Sprintf("%s/controller/%d/state", c.topicPrefix, tr.FeedID)
		if err := c.mqtt.Publish(topic, payload, 1, true); err != nil {
			c.logger.Warn("publishing transition failed", "topic", topic, "error", err)
		}
	}
}

// driveSwitch brings the power switch towards the state's target. Nothing
// is sent until the switch position is known.
func (c *Controller) driveSwitch(ctx context.Context, f *feed.Feed) {
	c.mu.Lock()
	st := c.states[f.ID]
	if ds, ok := f.Datastreams[StreamSwitch]; ok && ds.At.After(st.switchSeen) {
		st.switchValue, st.switchKnown, st.switchSeen = ds.CurrentValue, true, ds.At
	}
	target := float64(c.cfg.SwitchRestore)
	if st.state == StateOffline {
		target = float64(c.cfg.SwitchCut)
	}
	send := st.switchKnown && st.switchValue != target
	c.mu.Unlock()

	if !send {
		return
	}
	addr := command.SwitchAddress(f)
	if addr == "" {
		c.logger.Debug("no agent address for switch", "feed_id", f.ID)
		return
	}

	value := strconv.Itoa(int(target))
	res := c.cmd.Write(ctx, addr, StreamSwitch, value)
	if !res.OK() {
		c.commandFailed(ctx, f.ID, StreamSwitch, target, res)
		return
	}

	confirmed := target
	if res.HasValue {
		confirmed = res.Value
	}
	c.mu.Lock()
	st.switchValue, st.switchKnown = confirmed, true
	c.mu.Unlock()

	c.recordAudit(ctx, audit.ActionCommand, f.ID, map[string]any{
		"key":    StreamSwitch,
		"target": target,
		"value":  confirmed,
	})

	if confirmed == float64(c.cfg.SwitchCut) {
		if err := c.feeds.ResetClients(f.ID); err != nil {
			c.logger.Warn("resetting clients after power cut", "feed_id", f.ID, "error", err)
		}
	}
}

// driveDutyCycle writes the state's duty cycle target when it differs
// from the last known value, or when no value has been seen yet.
func (c *Controller) driveDutyCycle(ctx context.Context, f *feed.Feed) {
	c.mu.Lock()
	st := c.states[f.ID]
	if ds, ok := f.Datastreams[StreamDutyCycle]; ok && ds.At.After(st.dutySeen) {
		st.dutyValue, st.dutyKnown, st.dutySeen = ds.CurrentValue, true, ds.At
	}
	target := c.dutyTarget(st.state)
	send := !st.dutyKnown || st.dutyValue != float64(target)
	c.mu.Unlock()

	if !send {
		return
	}
	addr := command.DutyCycleAddress(f)
	if addr == "" {
		c.logger.Debug("no agent address for duty cycle", "feed_id", f.ID)
		return
	}

	res := c.cmd.SetDutyCycle(ctx, addr, target)
	if !res.OK() {
		c.commandFailed(ctx, f.ID, StreamDutyCycle, float64(target), res)
		return
	}

	confirmed := float64(target)
	if res.HasValue {
		confirmed = res.Value
	}
	c.mu.Lock()
	st.dutyValue, st.dutyKnown = confirmed, true
	c.mu.Unlock()

	c.recordAudit(ctx, audit.ActionCommand, f.ID, map[string]any{
		"key":    StreamDutyCycle,
		"target": target,
		"value":  confirmed,
	})
}

func (c *Controller) dutyTarget(s State) int {
	switch s {
	case StateIdle:
		return c.cfg.IdleDutyCycle
	case StateOffline:
		return DutyCycleOffline
	default:
		return DutyCycleOnline
	}
}

func (c *Controller) commandFailed(ctx context.Context, feedID int, key string, target float64, res command.Result) {
	c.logger.Warn("device command failed",
		"feed_id", feedID,
		"key", key,
		"target", target,
		"outcome", string(res.Outcome),
		"error", res.Err,
	)
	details := map[string]any{
		"key":     key,
		"target":  target,
		"outcome": string(res.Outcome),
	}
	if res.Err != nil {
		details["error"] = res.Err.Error()
	}
	c.recordAudit(ctx, audit.ActionCommandFailed, feedID, details)
}

func (c *Controller) recordAudit(ctx context.Context, action string, feedID int, details map[string]any) {
	if c.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()

	entry := &audit.Entry{
		Action:     action,
		EntityType: audit.EntityFeed,
		EntityID:   strconv.Itoa(feedID),
		Source:     audit.SourceController,
		Details:    details,
	}
	if err := c.audit.Create(ctx, entry); err != nil {
		c.logger.Error("recording audit entry", "action", action, "feed_id", feedID, "error", err)
	}
}

// Snapshot returns a copy of the controller state ordered by feed id.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := Snapshot{
		Enabled:      c.cfg.Enabled,
		Mode:         c.cfg.Mode,
		TotalClients: c.total,
		Override:     append([]int{}, c.override...),
		Feeds:        make([]FeedStatus, 0, len(c.states)),
	}
	for id, st := range c.states {
		fs := FeedStatus{FeedID: id, State: st.state, Counter: st.counter}
		if st.switchKnown {
			v := st.switchValue
			fs.Switch = &v
		}
		if st.dutyKnown {
			v := st.dutyValue
			fs.DutyCycle = &v
		}
		out.Feeds = append(out.Feeds, fs)
	}
	sort.Slice(out.Feeds, func(i, j int) bool { return out.Feeds[i].FeedID < out.Feeds[j].FeedID })
	return out
}

// State returns the state of one feed and whether the controller has
// observed it.
func (c *Controller) State(feedID int) (State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[feedID]
	if !ok {
		return "", false
	}
	return st.state, true
}

// DefaultConfig returns an enabled three-state policy with the default
// timeouts, idle duty cycle, switch encoding and override rules.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Mode:          ModeThreeState,
		Tick:          DefaultTick,
		OnlineTimeout: DefaultOnlineTimeout,
		IdleTimeout:   DefaultIdleTimeout,
		IdleDutyCycle: DefaultIdleDutyCycle,
		SwitchCut:     DefaultSwitchCut,
		SwitchRestore: DefaultSwitchRestore,
		Overrides:     DefaultOverrides(),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Mode == "" {
		cfg.Mode = ModeThreeState
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Overrides == nil {
		cfg.Overrides = DefaultOverrides()
	} else {
		cfg.Overrides = cloneOverrides(cfg.Overrides)
	}
	return cfg
}

func validate(cfg Config) error {
	if cfg.Mode != ModeThreeState && cfg.Mode != ModeTwoState {
		return fmt.Errorf("%w: %q", ErrInvalidMode, cfg.Mode)
	}
	if cfg.OnlineTimeout < 0 || cfg.IdleTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	if cfg.IdleDutyCycle < 0 || cfg.IdleDutyCycle > DutyCycleOnline {
		return fmt.Errorf("%w: idle duty cycle %d out of range", ErrInvalidConfig, cfg.IdleDutyCycle)
	}
	if cfg.SwitchCut == cfg.SwitchRestore {
		return fmt.Errorf("%w: switch cut and restore are both %d", ErrInvalidConfig, cfg.SwitchCut)
	}
	return nil
}

func cloneOverrides(in []OverrideRule) []OverrideRule {
	out := make([]OverrideRule, len(in))
	for i, r := range in {
		out[i] = OverrideRule{MinClients: r.MinClients, Feeds: append([]int{}, r.Feeds...)}
	}
	return out
}

func setToSorted(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
