package invoicing

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Event announces a PDF status change.
type Event struct {
	OrganizationID int64  `json:"organizationId"`
	InvoiceID      int64  `json:"invoiceId"`
	Status         Status `json:"status"`
	PDFURL         string `json:"pdfUrl,omitempty"`
}

// Notifier publishes PDF lifecycle events.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber streams PDF lifecycle events of one organization.
type Subscriber interface {
	Subscribe(ctx context.Context, orgID int64) (<-chan Event, func(), error)
}

func eventChannel(orgID int64) string {
	return "invoices:" + strconv.FormatInt(orgID, 10) + ":pdf"
}

// RedisNotifier fans events out over Redis pub/sub so every API instance can
// push them to its connected clients.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier wraps a Redis client.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Publish sends ev on the organization's channel.
func (n *RedisNotifier) Publish(ctx context.Context, ev Event) error {
	if n == nil || n.client == nil {
		return nil
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, eventChannel(ev.OrganizationID), raw).Err()
}

// Subscribe returns a channel of events for orgID. The stop func releases the
// subscription; the channel is closed once ctx ends or stop is called.
func (n *RedisNotifier) Subscribe(ctx context.Context, orgID int64) (<-chan Event, func(), error) {
	pubsub := n.client.Subscribe(ctx, eventChannel(orgID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, func() {}, err
	}
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, cancel, nil
}
