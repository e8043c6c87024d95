package notify

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
)

// NATSBus publishes engine notifications as JSON onto NATS subjects.
// Downstream messaging/bot services subscribe with queue groups so each
// notification is rendered exactly once.
type NATSBus struct {
	nc *nats.Conn
}

// NewNATSBus wraps an established NATS connection.
func NewNATSBus(nc *nats.Conn) *NATSBus {
	return &NATSBus{nc: nc}
}

func (b *NATSBus) publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logPublishError(topic, err)
		return
	}
	logPublishError(topic, b.nc.Publish(topic, data))
}

func (b *NATSBus) BetPlaced(n BetPlaced)           { b.publish(TopicBetPlaced, n) }
func (b *NATSBus) EventResolved(n EventResolved)   { b.publish(TopicEventResolved, n) }
func (b *NATSBus) EventCancelled(n EventCancelled) { b.publish(TopicEventCancelled, n) }
