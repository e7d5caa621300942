// Package bus publishes approval request messages on the shared topic.
package bus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const streamName = "APPROVALS"

// Message is one broker message on the approvals topic. Properties are
// carried as headers so a replayed message keeps the original metadata while
// getting fresh message/correlation ids.
type Message struct {
	ID            string
	CorrelationID string
	Body          []byte
	Properties    map[string]string
}

// Broker wraps the NATS JetStream connection for the approvals topic.
type Broker struct {
	conn  *nats.Conn
	js    nats.JetStreamContext
	topic string
	log   zerolog.Logger
}

// Connect dials NATS and ensures the approvals stream exists.
func Connect(url, topic string, log zerolog.Logger) (*Broker, error) {
	conn, err := nats.Connect(url, nats.Name("approvals-api"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{topic},
	}); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return &Broker{conn: conn, js: js, topic: topic, log: log}, nil
}

// Publish sends one message to the topic.
func (b *Broker) Publish(ctx context.Context, msg Message) error {
	natsMsg := &nats.Msg{
		Subject: b.topic,
		Data:    msg.Body,
		Header:  nats.Header{},
	}
	natsMsg.Header.Set("Message-Id", msg.ID)
	natsMsg.Header.Set("Correlation-Id", msg.CorrelationID)
	for key, value := range msg.Properties {
		natsMsg.Header.Set(key, value)
	}

	if _, err := b.js.PublishMsg(natsMsg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish to %s: %w", b.topic, err)
	}

	b.log.Debug().
		Str("topic", b.topic).
		Str("message_id", msg.ID).
		Msg("bus: message published")
	return nil
}

// Peek reads up to limit of the newest messages on the stream without
// consuming them.
func (b *Broker) Peek(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}

	info, err := b.js.StreamInfo(streamName, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("stream info: %w", err)
	}

	state := info.State
	return collectNewest(state.FirstSeq, state.LastSeq, state.Msgs, limit, func(seq uint64) (Message, bool) {
		raw, err := b.js.GetMsg(streamName, seq)
		if err != nil {
			// Interior messages can be deleted; skip the gap.
			return Message{}, false
		}
		return fromRaw(raw), true
	}), nil
}

// collectNewest walks sequence numbers from last down to first, newest first,
// collecting up to limit messages. Sequences are unsigned, so the walk must
// stop at first even when the fetch fails; decrementing past it would wrap
// around. An empty stream reports zero messages and is not walked at all.
func collectNewest(first, last, total uint64, limit int, get func(uint64) (Message, bool)) []Message {
	items := make([]Message, 0, limit)
	if total == 0 || last < first {
		return items
	}
	for seq := last; len(items) < limit; seq-- {
		if msg, ok := get(seq); ok {
			items = append(items, msg)
		}
		if seq == first {
			break
		}
	}
	return items
}

func fromRaw(raw *nats.RawStreamMsg) Message {
	msg := Message{Body: raw.Data, Properties: map[string]string{}}
	for key, values := range raw.Header {
		if len(values) == 0 {
			continue
		}
		switch key {
		case "Message-Id":
			msg.ID = values[0]
		case "Correlation-Id":
			msg.CorrelationID = values[0]
		default:
			msg.Properties[key] = values[0]
		}
	}
	return msg
}

// Close drains the connection.
func (b *Broker) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}
