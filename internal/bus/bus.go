// Package bus abstracts the at-least-once pub/sub transport used to
// replicate change events between nodes, so the replicator can be tested
// against an in-process fake without a running broker.
package bus

import "context"

// Message is one inbound delivery from the bus: the raw payload plus the
// topic it arrived on (subscribers that use wildcard subscriptions need the
// concrete topic to tell events apart).
type Message struct {
	Topic   string
	Payload []byte
}

// Bus is the capability set the replicator needs from a broker connection.
type Bus interface {
	// Publish sends payload to topic with at-least-once delivery.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers for every topic matching pattern (a trailing
	// "#" denotes "this level and everything below", matching the MQTT
	// wildcard convention used by the replication topic scheme) and
	// delivers messages on the returned channel until ctx is canceled.
	Subscribe(ctx context.Context, pattern string) (<-chan Message, error)

	// Close releases the underlying connection.
	Close() error
}
