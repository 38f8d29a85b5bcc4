// Package pubsub publishes catalog change events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/culture-catalog/internal/publisher"
)

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
	client    *pubsub.Client
	ordered   bool
}

func fullTopicName(projectID, topicID string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
}

// Dial connects with Application Default Credentials and checks that the
// topic exists and is active before returning a Publisher that owns the
// client.
func Dial(ctx context.Context, projectID, topicID string, ordered bool) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	name := fullTopicName(projectID, topicID)
	topic, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: name})
	if err == nil && topic.GetState() != pubsubpb.Topic_ACTIVE {
		err = fmt.Errorf("topic %s is %s", name, topic.GetState())
	}
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			err = fmt.Errorf("%w (close client: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("get pubsub topic %q: %w", topicID, err)
	}
	p := New(client.Publisher(name), ordered)
	p.client = client
	return p, nil
}

// New creates a Publisher. With ordered set, events for the same item share
// an ordering key; the topic publisher must have message ordering enabled.
func New(p *pubsub.Publisher, ordered bool) *Publisher {
	if ordered && p != nil {
		p.EnableMessageOrdering = true
	}
	return &Publisher{publisher: p, ordered: ordered}
}

// Publish marshals payload to JSON and publishes it. The topic argument is
// ignored: a Pub/Sub publisher is bound to its topic.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.publisher == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	if event, ok := payload.(publisher.Event); ok {
		msg.Attributes["event_type"] = event.Type
		msg.Attributes["category"] = string(event.Category)
		if p.ordered {
			msg.OrderingKey = event.ItemUUID
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, &carrier{attrs: msg.Attributes})

	result := p.publisher.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			// A failed ordered publish pauses its key until resumed.
			p.publisher.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
}

// Close flushes pending messages and closes a client opened by Dial.
func (p *Publisher) Close() error {
	p.Stop()
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// carrier implements propagation.TextMapCarrier over message attributes.
type carrier struct {
	attrs map[string]string
}

func (c *carrier) Get(key string) string {
	return c.attrs[key]
}

func (c *carrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *carrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
