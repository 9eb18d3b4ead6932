package occupancy

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/nerrad567/energino-core/internal/feed"
)

// Agent is the source agent name occupancy updates are recorded under.
const Agent = "Occupancy"

// DefaultInterval is the poll period when none is configured.
const DefaultInterval = time.Second

// StationSource lists associated stations.
type StationSource interface {
	Stations(ctx context.Context) ([]Station, error)
}

// FeedUpdater is what the poller needs from the registry.
type FeedUpdater interface {
	Update(id int, partial map[string]any, sourceAddress, sourceAgent string) (*feed.Feed, error)
}

// Logger defines the logging interface used by the poller.
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

// PollerConfig configures the occupancy poller.
type PollerConfig struct {
	Source   StationSource
	Feeds    FeedUpdater
	Interval time.Duration

	// Mappings maps wireless agent addresses to the feed powering that AP.
	Mappings map[string]int

	// Version is reported with each update.
	Version string
}

// Poller copies station lists into feed client lists.
type Poller struct {
	cfg    PollerConfig
	logger Logger
}

// NewPoller creates an occupancy poller.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	return &Poller{cfg: cfg, logger: noopLogger{}}
}

// SetLogger sets the logger for the poller.
func (p *Poller) SetLogger(logger Logger) {
	p.logger = logger
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("occupancy poller started",
		"interval", p.cfg.Interval.String(),
		"mappings", len(p.cfg.Mappings),
	)
	p.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("occupancy poller stopped")
			return nil
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll fetches stations once and replaces the client list of every
// mapped feed. A mapped AP with no stations gets an empty list. A failed
// fetch leaves every feed untouched.
func (p *Poller) Poll(ctx context.Context) {
	stations, err := p.cfg.Source.Stations(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Warn("occupancy poll failed", "error", err)
		}
		return
	}

	byFeed := make(map[int][]any, len(p.cfg.Mappings))
	for _, id := range p.cfg.Mappings {
		byFeed[id] = []any{}
	}
	for _, s := range stations {
		id, mapped := p.cfg.Mappings[s.Agent]
		if !mapped {
			continue
		}
		byFeed[id] = append(byFeed[id], map[string]any{
			"mac":  s.MAC,
			"ssid": s.SSID,
		})
	}

	ids := make([]int, 0, len(byFeed))
	for id := range byFeed {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		partial := map[string]any{
			feed.KeyVersion: p.cfg.Version,
			feed.KeyClients: byFeed[id],
		}
		// The poller is not an agent of the feed, so it claims no address.
		if _, err := p.cfg.Feeds.Update(id, partial, "", Agent); err != nil {
			p.logger.Warn("recording occupancy",
				"feed_id", id,
				"error", err,
			)
			continue
		}
		p.logger.Debug("occupancy recorded", "feed_id", id, "clients", len(byFeed[id]))
	}
}
