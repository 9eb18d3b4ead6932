package mqtt

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultTopicPrefix is used when the configuration leaves it empty.
const DefaultTopicPrefix = "energino"

// Topics builds topic names under one prefix.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// FeedReadings returns the topic sensor agents publish readings for a
// feed on.
//
// Example: energino/feeds/3/readings
func (t Topics) FeedReadings(feedID int) string {
	return fmt.Sprintf("%s/feeds/%d/readings", t.prefix(), feedID)
}

// AllFeedReadings matches FeedReadings for every feed.
func (t Topics) AllFeedReadings() string {
	return t.prefix() + "/feeds/+/readings"
}

// ControllerState returns the topic a feed's controller transitions are
// published on.
//
// Example: energino/controller/3/state
func (t Topics) ControllerState(feedID int) string {
	return fmt.Sprintf("%s/controller/%d/state", t.prefix(), feedID)
}

// SystemStatus returns the retained daemon status topic.
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}

// ParseFeedReadings extracts the feed id from a readings topic.
func (t Topics) ParseFeedReadings(topic string) (int, error) {
	rest, ok := strings.CutPrefix(topic, t.prefix()+"/feeds/")
	if !ok {
		return 0, fmt.Errorf("%w: %q is not a readings topic", ErrInvalidTopic, topic)
	}
	idPart, ok := strings.CutSuffix(rest, "/readings")
	if !ok || idPart == "" || strings.Contains(idPart, "/") {
		return 0, fmt.Errorf("%w: %q is not a readings topic", ErrInvalidTopic, topic)
	}
	id, err := strconv.Atoi(idPart)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: feed id %q", ErrInvalidTopic, idPart)
	}
	return id, nil
}
