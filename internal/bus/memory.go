package bus

import (
	"context"
	"strings"
	"sync"
)

// MemoryBus is an in-process Bus used by tests and single-node setups; it
// fans every Publish out to every still-subscribed pattern that matches.
// Delivery is not at-least-once: a message for a subscriber whose
// 64-message buffer is full is dropped for that subscriber.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[int]memorySub
	next int
}

type memorySub struct {
	pattern string
	ch      chan Message
}

// NewMemoryBus returns a ready-to-use in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]memorySub)}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if topicMatches(sub.pattern, topic) {
			select {
			case sub.ch <- Message{Topic: topic, Payload: payload}:
			default:
			}
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Message, 64)
	b.subs[id] = memorySub{pattern: pattern, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (b *MemoryBus) Close() error { return nil }

// topicMatches implements the MQTT-style wildcard rules used by the
// replication topic scheme: "#" matches this level and everything below,
// "+" matches exactly one level.
func topicMatches(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")

	for i, p := range pp {
		if p == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if p != "+" && p != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
