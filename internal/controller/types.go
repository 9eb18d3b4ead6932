package controller

import (
	"time"
)

// State of one feed.
type State string

// Controller states.
const (
	StateOnline  State = "online"
	StateIdle    State = "idle"
	StateOffline State = "offline"
)

// Mode selects the state set.
type Mode string

// Controller modes.
const (
	// ModeThreeState uses Online, Idle and Offline.
	ModeThreeState Mode = "three_state"

	// ModeTwoState goes from Online straight to Offline.
	ModeTwoState Mode = "two_state"
)

// Datastream ids the controller reads.
const (
	StreamSwitch    = "switch"
	StreamDutyCycle = "duty_cycle"
)

// Duty cycle targets.
const (
	DutyCycleOnline  = 100
	DutyCycleOffline = 0
)

// OverrideRule keeps Feeds online while the aggregate client count is at
// least MinClients.
type OverrideRule struct {
	MinClients int
	Feeds      []int
}

// DefaultOverrides is the override table used when none is configured.
func DefaultOverrides() []OverrideRule {
	return []OverrideRule{
		{MinClients: 4, Feeds: []int{1, 2, 3}},
		{MinClients: 2, Feeds: []int{2, 3}},
		{MinClients: 0, Feeds: []int{3}},
	}
}

// Config holds controller policy.
type Config struct {
	// Enabled turns decisions on. A disabled controller keeps ticking but
	// never changes state or issues commands.
	Enabled bool

	Mode Mode
	Tick time.Duration

	// OnlineTimeout and IdleTimeout are counted in ticks.
	OnlineTimeout int
	IdleTimeout   int

	IdleDutyCycle int

	SwitchCut     int
	SwitchRestore int

	// Overrides is evaluated in order; the first matching rule wins.
	Overrides []OverrideRule
}

// Transition is emitted whenever a feed changes state.
type Transition struct {
	FeedID  int       `json:"feed_id"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	Clients int       `json:"clients"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// FeedStatus is the controller's view of one feed.
type FeedStatus struct {
	FeedID    int      `json:"feed_id"`
	State     State    `json:"state"`
	Counter   int      `json:"counter"`
	Switch    *float64 `json:"switch,omitempty"`
	DutyCycle *float64 `json:"duty_cycle,omitempty"`
}

// Snapshot is a copy of the controller state.
type Snapshot struct {
	Enabled      bool         `json:"enabled"`
	Mode         Mode         `json:"mode"`
	TotalClients int          `json:"total_clients"`
	Override     []int        `json:"override"`
	Feeds        []FeedStatus `json:"feeds"`
}

// feedState is the mutable per-feed record. Only the tick goroutine
// writes it, always under Controller.mu.
type feedState struct {
	state   State
	counter int

	// Last known device values and the datastream timestamp they were
	// last refreshed from.
	switchValue float64
	switchKnown bool
	switchSeen  time.Time

	dutyValue float64
	dutyKnown bool
	dutySeen  time.Time
}
