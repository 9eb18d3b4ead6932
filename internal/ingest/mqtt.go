package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relvacode/iso8601"

	"github.com/nerrad567/energino-core/internal/feed"
	"github.com/nerrad567/energino-core/internal/infrastructure/mqtt"
)

// Subscriber is the part of the MQTT client the source uses.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Topics() mqtt.Topics
}

// readingMessage is the MQTT payload:
//
//	{"at":"2026-03-01T09:00:00Z","agent":"Energino","address":"10.0.0.5","values":{"power":1.2}}
type readingMessage struct {
	At      string         `json:"at"`
	Agent   string         `json:"agent"`
	Address string         `json:"address"`
	Values  map[string]any `json:"values"`
}

// MQTTSource feeds readings published on {prefix}/feeds/{id}/readings
// into a pipeline.
type MQTTSource struct {
	client   Subscriber
	pipeline *Pipeline
	qos      byte
	logger   Logger
	now      func() time.Time
}

// NewMQTTSource creates a source. Call Run to subscribe.
func NewMQTTSource(client Subscriber, pipeline *Pipeline, qos byte) *MQTTSource {
	return &MQTTSource{
		client:   client,
		pipeline: pipeline,
		qos:      qos,
		logger:   noopLogger{},
		now:      time.Now,
	}
}

// SetLogger sets the logger for the source.
func (s *MQTTSource) SetLogger(logger Logger) {
	s.logger = logger
}

// Run subscribes and blocks until ctx is done, then unsubscribes.
func (s *MQTTSource) Run(ctx context.Context) error {
	topic := s.client.Topics().AllFeedReadings()
	if err := s.client.Subscribe(topic, s.qos, s.handle); err != nil {
		return fmt.Errorf("subscribing to readings: %w", err)
	}
	s.logger.Info("mqtt ingest started", "topic", topic)

	<-ctx.Done()

	if err := s.client.Unsubscribe(topic); err != nil {
		s.logger.Debug("unsubscribing from readings", "error", err)
	}
	s.logger.Info("mqtt ingest stopped")
	return nil
}

func (s *MQTTSource) handle(topic string, payload []byte) error {
	feedID, err := s.client.Topics().ParseFeedReadings(topic)
	if err != nil {
		return err
	}

	reading, err := s.decode(payload)
	if err != nil {
		return fmt.Errorf("feed %d: %w", feedID, err)
	}
	reading.FeedID = feedID

	if _, err := s.pipeline.Ingest(reading); err != nil {
		return fmt.Errorf("feed %d: %w", feedID, err)
	}
	return nil
}

func (s *MQTTSource) decode(payload []byte) (Reading, error) {
	var msg readingMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Reading{}, fmt.Errorf("%w: decoding reading: %w", feed.ErrValidation, err)
	}

	r := Reading{
		Agent:   msg.Agent,
		Address: msg.Address,
		Values:  make(map[string]float64, len(msg.Values)),
	}
	if msg.At != "" {
		at, err := iso8601.ParseString(msg.At)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: at: %w", feed.ErrValidation, err)
		}
		r.At = at
	} else {
		r.At = s.now()
	}
	for id, raw := range msg.Values {
		v, err := feed.ParseValue(raw)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: value %q: %w", feed.ErrValidation, id, err)
		}
		r.Values[id] = v
	}
	return r, nil
}
