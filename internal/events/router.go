package events

import (
	"encoding/json"
	"fmt"

	"grimm.is/privacyd/internal/clock"
	"grimm.is/privacyd/internal/logging"
	"grimm.is/privacyd/internal/metrics"
)

// Router classifies raw stream messages and queues record changes.
//
// Messages are JSON objects tagged by their top-level key; only the
// "Persistent" tag carries record changes. Everything else is counted and
// dropped.
type Router struct {
	queue   *Queue
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Registry
}

// NewRouter creates a router feeding queue.
func NewRouter(queue *Queue, clk clock.Clock) *Router {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Router{
		queue:   queue,
		clock:   clk,
		logger:  logging.WithComponent("router"),
		metrics: metrics.Get(),
	}
}

type envelope struct {
	Persistent *struct {
		Kind    string          `json:"topic_name"`
		ID      string          `json:"topic_uuid"`
		Value   json.RawMessage `json:"value"`
		Deleted bool            `json:"deleted"`
	} `json:"Persistent"`
}

// Route decodes one message. ok is false for messages that carry no record
// change.
func (r *Router) Route(msg []byte) (ev Event, ok bool, err error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return Event{}, false, fmt.Errorf("malformed stream message: %w", err)
	}
	if env.Persistent == nil {
		return Event{}, false, nil
	}
	p := env.Persistent
	return Event{
		Type:      EventPersistent,
		Timestamp: r.clock.Now(),
		Kind:      p.Kind,
		ID:        p.ID,
		Value:     p.Value,
		Deleted:   p.Deleted,
	}, true, nil
}

// Dispatch routes msg and queues it when it is a record change. It matches
// directory.MessageHandler.
func (r *Router) Dispatch(msg []byte) {
	ev, ok, err := r.Route(msg)
	switch {
	case err != nil:
		r.metrics.EventsRouted.WithLabelValues("malformed").Inc()
		r.logger.Warn("dropping stream message", "error", err)
	case !ok:
		r.metrics.EventsRouted.WithLabelValues("ignored").Inc()
	default:
		r.metrics.EventsRouted.WithLabelValues(string(ev.Type)).Inc()
		r.logger.Debug("queued record change", "kind", ev.Kind, "id", ev.ID, "deleted", ev.Deleted)
		r.queue.Push(ev)
	}
}
