package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// keepAlive is the ping interval on the broker connection, per the
// replication transport's external contract.
const keepAlive = 30 * time.Second

// NATSBus adapts a *nats.Conn to the Bus interface. The configured topic
// scheme is MQTT-flavored (`/`-delimited, `#` multi-level wildcard) per the
// replication transport's external contract; NATS subjects are
// `.`-delimited with `*`/`>` wildcards, so topics are translated at the
// boundary and never leak the NATS convention to callers.
type NATSBus struct {
	conn *nats.Conn
}

// DialNATS connects to a NATS server, applying credential and client-id
// options when provided (empty strings are omitted).
func DialNATS(url, clientID, password string) (*NATSBus, error) {
	opts := []nats.Option{nats.Name(clientID), nats.PingInterval(keepAlive)}
	if password != "" {
		opts = append(opts, nats.UserInfo(clientID, password))
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}
	return &NATSBus{conn: conn}, nil
}

func (b *NATSBus) Publish(_ context.Context, topic string, payload []byte) error {
	return b.conn.Publish(mqttTopicToSubject(topic), payload)
}

func (b *NATSBus) Subscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	out := make(chan Message, 64)
	handler := func(msg *nats.Msg) {
		out <- Message{Topic: subjectToMQTTTopic(msg.Subject), Payload: msg.Data}
	}

	// NATS ">" needs at least one more token, while a trailing "#" also
	// matches the level it sits on, so that level is subscribed separately.
	subjects := []string{mqttTopicToSubject(pattern)}
	if strings.HasSuffix(pattern, "/#") {
		subjects = append(subjects, mqttTopicToSubject(strings.TrimSuffix(pattern, "/#")))
	}

	subs := make([]*nats.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := b.conn.Subscribe(subject, handler)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			close(out)
			return nil, fmt.Errorf("bus: subscribe %s: %w", pattern, err)
		}
		subs = append(subs, sub)
	}

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		close(out)
	}()

	return out, nil
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}

// mqttTopicToSubject rewrites a `/`-delimited topic, possibly ending in the
// MQTT multi-level wildcard "#", into a `.`-delimited NATS subject ending
// in the NATS multi-level wildcard ">".
func mqttTopicToSubject(topic string) string {
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		switch p {
		case "#":
			parts[i] = ">"
		case "+":
			parts[i] = "*"
		}
	}
	return strings.Join(parts, ".")
}

func subjectToMQTTTopic(subject string) string {
	parts := strings.Split(subject, ".")
	for i, p := range parts {
		switch p {
		case ">":
			parts[i] = "#"
		case "*":
			parts[i] = "+"
		}
	}
	return strings.Join(parts, "/")
}
