package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/transfa/escrow-service/internal/store"
	"github.com/transfa/escrow-service/pkg/rabbitmq"
)

const (
	defaultOutboxBatchSize = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
)

// PublisherFactory opens a broker connection on demand.
type PublisherFactory func() (rabbitmq.Publisher, error)

// OutboxDispatcher publishes audit events written by the store to RabbitMQ.
type OutboxDispatcher struct {
	repo                store.Outbox
	dial                PublisherFactory
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	producer            rabbitmq.Publisher
}

func NewOutboxDispatcher(repo store.Outbox, dial PublisherFactory, pollInterval time.Duration) *OutboxDispatcher {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &OutboxDispatcher{
		repo:                repo,
		dial:                dial,
		batchSize:           defaultOutboxBatchSize,
		pollInterval:        pollInterval,
		staleProcessingTime: defaultStaleProcessing,
	}
}

// RabbitPublisherFactory dials amqpURL for every new producer.
func RabbitPublisherFactory(amqpURL string) PublisherFactory {
	return func() (rabbitmq.Publisher, error) {
		producer, err := rabbitmq.NewEventProducer(amqpURL)
		if err != nil {
			return nil, err
		}
		return producer, nil
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closeProducer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.flushOnce(ctx); err != nil {
				log.Printf("level=warn component=outbox msg=\"outbox flush error\" err=%v", err)
			}
		}
	}
}

// flushOnce publishes one batch and reports how many messages were published.
func (d *OutboxDispatcher) flushOnce(ctx context.Context) (int, error) {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, message := range messages {
		if err := d.publishMessage(ctx, message); err != nil {
			retryAfter := retryDelaySeconds(message.Attempts)
			if message.Attempts >= store.MaxOutboxAttempts {
				log.Printf("level=error component=outbox msg=\"outbox message dead-lettered\" id=%d routing_key=%s attempts=%d err=%v", message.ID, message.RoutingKey, message.Attempts, err)
			}
			if markErr := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error()); markErr != nil {
				log.Printf("level=warn component=outbox msg=\"failed to reschedule outbox message\" id=%d err=%v", message.ID, markErr)
			}
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			log.Printf("level=warn component=outbox msg=\"failed to mark outbox message published\" id=%d err=%v", message.ID, err)
			continue
		}
		published++
	}
	return published, nil
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	if d.producer == nil {
		producer, err := d.dial()
		if err != nil {
			return err
		}
		d.producer = producer
	}

	if err := d.producer.Publish(ctx, message.Exchange, message.RoutingKey, json.RawMessage(message.Payload)); err != nil {
		d.closeProducer()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closeProducer() {
	if d.producer != nil {
		d.producer.Close()
		d.producer = nil
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
