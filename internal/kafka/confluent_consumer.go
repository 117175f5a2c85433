package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	pkglog "github.com/weiawesome/wes-io-live/viewer-service/pkg/log"
)

// ConfluentConsumer implements BroadcastEventConsumer using confluent-kafka-go.
type ConfluentConsumer struct {
	consumer *kafka.Consumer
	topic    string
	handler  BroadcastEventHandler
	doneCh   chan struct{}
	started  bool
}

// NewConfluentConsumer creates a Kafka consumer for broadcast events.
func NewConfluentConsumer(brokers, topic, groupID string, handler BroadcastEventHandler) (*ConfluentConsumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"group.id":           groupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &ConfluentConsumer{
		consumer: c,
		topic:    topic,
		handler:  handler,
		doneCh:   make(chan struct{}),
	}, nil
}

// Start subscribes to the topic and begins consuming.
func (cc *ConfluentConsumer) Start(ctx context.Context) error {
	if err := cc.consumer.Subscribe(cc.topic, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", cc.topic, err)
	}

	l := pkglog.L()
	l.Info().Str("topic", cc.topic).Msg("broadcast event consumer started")

	cc.started = true
	go cc.consumeLoop(ctx)

	return nil
}

// Done is closed when the consume loop has exited.
func (cc *ConfluentConsumer) Done() <-chan struct{} { return cc.doneCh }

func (cc *ConfluentConsumer) consumeLoop(ctx context.Context) {
	defer close(cc.doneCh)
	l := pkglog.L()

	for {
		select {
		case <-ctx.Done():
			l.Info().Msg("broadcast event consumer shutting down")
			return
		default:
			msg, err := cc.consumer.ReadMessage(100 * time.Millisecond)
			if err != nil {
				var kerr kafka.Error
				if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				l.Warn().Err(err).Msg("kafka consumer error")
				continue
			}

			cc.processMessage(ctx, msg.Value)
		}
	}
}

func (cc *ConfluentConsumer) processMessage(ctx context.Context, value []byte) {
	l := pkglog.L()

	var event BroadcastEvent
	if err := json.Unmarshal(value, &event); err != nil {
		l.Warn().Err(err).Msg("failed to unmarshal broadcast event")
		return
	}

	l.Debug().
		Str(pkglog.FieldEvent, event.Type).
		Str(pkglog.FieldChannel, event.RoomID).
		Str("broadcaster_id", event.BroadcasterID).
		Str("reason", event.Reason).
		Msg("received broadcast event")

	if err := cc.handler.HandleBroadcastEvent(ctx, &event); err != nil {
		l.Warn().Err(err).Str(pkglog.FieldChannel, event.RoomID).Msg("failed to handle broadcast event")
	}
}

// Close waits for the consume loop to exit, then releases the consumer.
// The context given to Start must be cancelled first.
func (cc *ConfluentConsumer) Close() error {
	if cc.started {
		<-cc.doneCh
	}
	if err := cc.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	return nil
}
