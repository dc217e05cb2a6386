package bus

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBusDeliversToMatchingWildcardSubscriber(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "kv/events/#")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := b.Publish(ctx, "kv/events/set", []byte("payload")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-ch:
		if string(msg.Payload) != "payload" {
			t.Errorf("unexpected payload %q", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryBusIgnoresNonMatchingTopic(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "other/events/#")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	b.Publish(ctx, "kv/events/set", []byte("payload"))

	select {
	case msg := <-ch:
		t.Fatalf("unexpected delivery: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTopicMatchesSingleLevelWildcard(t *testing.T) {
	if !topicMatches("kv/+/set", "kv/events/set") {
		t.Error("expected + to match exactly one level")
	}
	if topicMatches("kv/+/set", "kv/a/b/set") {
		t.Error("+ must not match multiple levels")
	}
}
