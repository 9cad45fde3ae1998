// Package events turns the directory's notification stream into typed events
// and queues them for the reconciliation loop.
package events

import (
	"encoding/json"
	"errors"
	"time"
)

// EventType identifies the category of event.
type EventType string

const (
	// EventPersistent is a change to a stored record.
	EventPersistent EventType = "persistent"
)

// ErrNoTarget is returned when an event value names no target record.
var ErrNoTarget = errors.New("event value has no target")

// Event is a record change reported by the directory.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"topic_name"`
	ID        string          `json:"topic_uuid"`
	Value     json.RawMessage `json:"value,omitempty"`
	Deleted   bool            `json:"deleted"`
}

// IsDeletion reports whether e is the removal of a record of kind.
func (e Event) IsDeletion(kind string) bool {
	return e.Type == EventPersistent && e.Deleted && e.Kind == kind
}

// Target returns the record a rule-shaped value points at.
func (e Event) Target() (kind, id string, err error) {
	var v struct {
		Kind string `json:"target_topic"`
		ID   string `json:"target_uuid"`
	}
	if len(e.Value) == 0 {
		return "", "", ErrNoTarget
	}
	if err := json.Unmarshal(e.Value, &v); err != nil {
		return "", "", err
	}
	if v.Kind == "" || v.ID == "" {
		return "", "", ErrNoTarget
	}
	return v.Kind, v.ID, nil
}
