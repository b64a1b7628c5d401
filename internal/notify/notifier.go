package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/tmuxgate/internal/model"
)

// Notifier delivers gateway events. Delivery is best effort and at most once.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// Publisher is the transport a BrokerNotifier writes to.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// BrokerNotifier prefixes event topics and publishes them.
type BrokerNotifier struct {
	pub    Publisher
	prefix string
}

func NewBrokerNotifier(pub Publisher, prefix string) *BrokerNotifier {
	return &BrokerNotifier{pub: pub, prefix: prefix}
}

func (n *BrokerNotifier) Notify(ctx context.Context, note model.Notification) error {
	return n.pub.Publish(ctx, JoinTopic(n.prefix, note.Topic), note.Payload)
}

// Nop drops every notification. It stands in when the broker is disabled.
type Nop struct{}

func (Nop) Notify(context.Context, model.Notification) error { return nil }

// Event is the JSON body of every published notification.
type Event struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// NewEvent builds a notification for topic carrying an Event body.
func NewEvent(topic, event string, data any) model.Notification {
	now := time.Now().UTC()
	payload, err := json.Marshal(Event{Event: event, Timestamp: now, Data: data})
	if err != nil {
		payload, _ = json.Marshal(Event{Event: event, Timestamp: now})
	}
	return model.Notification{Topic: topic, Payload: payload, Timestamp: now}
}

// Emit sends a notification and only logs failures; callers never fail an
// operation because the broker is down.
func Emit(ctx context.Context, n Notifier, log zerolog.Logger, note model.Notification) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, note); err != nil {
		log.Debug().Err(err).Str("topic", note.Topic).Msg("notification dropped")
	}
}
