// Package memory keeps save events in process. It backs crawls that run
// without Pub/Sub and lets tests inspect what would have been published.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher records published payloads per topic.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	failWith error
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every subsequent Publish return err. Pass nil to clear.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.failWith = err
	p.mu.Unlock()
}

// Publish records the message and returns a sequential ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, p.failWith)
	}
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns every recorded publish in order.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// ByTopic returns the payloads published to topic in order.
func (p *Publisher) ByTopic(topic string) []any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []any
	for _, msg := range p.messages {
		if msg.Topic == topic {
			out = append(out, msg.Payload)
		}
	}
	return out
}
