package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-realtime/pkg/contract"
	"github.com/example/nats-chat-realtime/pkg/otelhelper"
)

// EnsureStream creates or updates the CHAT_MESSAGES stream. The duplicate
// window lets a message id be published more than once and stored once.
func EnsureStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       contract.MessageStream,
		Subjects:   []string{contract.MessageSubject("*")},
		Retention:  jetstream.LimitsPolicy,
		MaxMsgs:    100000,
		MaxAge:     7 * 24 * time.Hour,
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", contract.MessageStream, err)
	}
	return stream, nil
}

// StreamJournal appends already fanned-out messages to CHAT_MESSAGES for
// the persist worker. It implements Journal.
type StreamJournal struct {
	js jetstream.JetStream
}

func NewStreamJournal(js jetstream.JetStream) *StreamJournal {
	return &StreamJournal{js: js}
}

func (j *StreamJournal) Record(ctx context.Context, rec contract.MessageRecord) error {
	data, err := json.Marshal(contract.CreateMessageRequest(rec))
	if err != nil {
		return err
	}
	subject := contract.MessageSubject(rec.RoomID)
	ctx, span := otelhelper.StartClientSpan(ctx, subject, "journal", len(data))
	defer span.End()

	_, err = j.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  otelhelper.InjectContext(ctx),
	}, jetstream.WithMsgID(rec.ID))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Consumer drains CHAT_MESSAGES into a MessageCreator.
type Consumer struct {
	Durable   string
	Creator   MessageCreator
	Logger    *slog.Logger
	Persisted metric.Int64Counter
	Failed    metric.Int64Counter
}

// Start creates the durable consumer and begins consuming. Messages that do
// not decode are acknowledged and dropped; storage failures are redelivered.
func (c *Consumer) Start(ctx context.Context, stream jetstream.Stream) (jetstream.ConsumeContext, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       c.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", c.Durable, err)
	}
	logger.Info("JetStream consumer ready", "name", c.Durable)

	return cons.Consume(func(msg jetstream.Msg) {
		natsMsg := &nats.Msg{Subject: msg.Subject(), Data: msg.Data(), Header: msg.Headers()}
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), natsMsg, "persist message")
		defer span.End()

		var req contract.CreateMessageRequest
		if err := json.Unmarshal(msg.Data(), &req); err != nil || req.ID == "" {
			logger.WarnContext(ctx, "Dropping undecodable stream message", "subject", msg.Subject(), "error", err)
			_ = msg.Ack()
			return
		}
		span.SetAttributes(
			attribute.String("chat.room", req.RoomID),
			attribute.String("chat.user", req.SenderID),
		)
		attrs := metric.WithAttributes(attribute.String("room", req.RoomID))

		if _, err := c.Creator.CreateMessage(ctx, req); err != nil {
			logger.ErrorContext(ctx, "Failed to persist message", "id", req.ID, "room", req.RoomID, "error", err)
			span.RecordError(err)
			if c.Failed != nil {
				c.Failed.Add(ctx, 1, attrs)
			}
			_ = msg.Nak()
			return
		}
		if c.Persisted != nil {
			c.Persisted.Add(ctx, 1, attrs)
		}
		_ = msg.Ack()
	})
}
