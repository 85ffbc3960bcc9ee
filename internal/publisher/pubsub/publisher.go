// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

type sendFunc func(ctx context.Context, topic string, msg *pubsub.Message) (string, error)

// Publisher publishes JSON payloads to Pub/Sub topics.
type Publisher struct {
	client *pubsub.Client
	send   sendFunc

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New creates a Publisher backed by client.
func New(client *pubsub.Client) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	p := &Publisher{client: client, topics: make(map[string]*pubsub.Topic)}
	p.send = p.publishToTopic
	return p, nil
}

// Publish marshals the payload to JSON and publishes it to topic. Change
// events carry their key and classification as message attributes.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.send == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	if topic == "" {
		return "", errors.New("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: attributes(payload)}
	id, err := p.send(ctx, topic, msg)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = map[string]*pubsub.Topic{}
	p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func (p *Publisher) publishToTopic(ctx context.Context, topic string, msg *pubsub.Message) (string, error) {
	p.mu.Lock()
	t, ok := p.topics[topic]
	if !ok {
		t = p.client.Topic(topic)
		p.topics[topic] = t
	}
	p.mu.Unlock()
	return t.Publish(ctx, msg).Get(ctx)
}

func attributes(payload any) map[string]string {
	var event harvest.ChangeEvent
	switch v := payload.(type) {
	case harvest.ChangeEvent:
		event = v
	case *harvest.ChangeEvent:
		if v == nil {
			return nil
		}
		event = *v
	default:
		return nil
	}
	return map[string]string{
		"project_id":     event.ProjectID,
		"source_id":      event.SourceID,
		"path":           event.Path,
		"classification": string(event.Classification),
	}
}
