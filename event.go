package redisrate

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventReset is the only event type published today.
const EventReset = "reset"

// Event is the payload published on the invalidation channel.
type Event struct {
	Key  string `json:"limit_key"`
	Type string `json:"event"`
	// Version is the store version of the reset. Zero means unknown; such
	// an event clears the key whatever the entry's version.
	Version int64  `json:"version,omitempty"`
	Origin  string `json:"origin,omitempty"`
}

// NewResetEvent builds a reset event for key.
func NewResetEvent(key string, version int64, origin string) Event {
	return Event{Key: key, Type: EventReset, Version: version, Origin: origin}
}

// Marshal encodes the event as JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEvent decodes and validates a payload.
func ParseEvent(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Key == "" {
		return Event{}, errors.New("decode event: missing limit_key")
	}
	if e.Type == "" {
		return Event{}, errors.New("decode event: missing event type")
	}
	return e, nil
}
