package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/streadway/amqp"

	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/port"
)

// Ingestor is the slice of the campaign use case the worker needs.
type Ingestor interface {
	IngestSnapshot(ctx context.Context, snap domain.MetricSnapshot) (bool, error)
}

// republisher is the slice of amqp.Channel used to requeue failed
// deliveries with an incremented retry counter.
type republisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Consumer drains the snapshot queue and applies each snapshot through the
// ingestion use case. Failed deliveries are republished with an
// incremented retry counter up to maxDeliveries, then dropped with an
// error log; malformed or untracked snapshots are dropped immediately
// since redelivery cannot fix them.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	pub    republisher
	svc    Ingestor
	logger *slog.Logger
}

// NewConsumer connects to the broker, declares the queue and returns a
// consumer ready to Run.
func NewConsumer(url string, svc Ingestor, logger *slog.Logger) (*Consumer, error) {
	conn, ch, err := dial(url)
	if err != nil {
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, pub: ch, svc: svc, logger: logger}, nil
}

// Run consumes until ctx is cancelled or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(
		SnapshotQueue,
		"",    // consumer tag
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}
	c.logger.Info("snapshot consumer running", "queue", SnapshotQueue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

// Close releases the channel and connection.
func (c *Consumer) Close() error {
	if err := c.ch.Close(); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var msg SnapshotMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.logger.Error("dropping malformed snapshot message", "error", err)
		_ = d.Ack(false)
		return
	}
	snap := msg.Snapshot()
	if err := snap.Validate(); err != nil {
		c.logger.Error("dropping invalid snapshot", "error", err, "variant_id", snap.VariantID)
		_ = d.Ack(false)
		return
	}

	applied, err := c.svc.IngestSnapshot(ctx, snap)
	switch {
	case err == nil:
		if !applied {
			c.logger.Debug("duplicate snapshot acknowledged", "dedupe_key", snap.DedupeKey())
		}
	case errors.Is(err, port.ErrVariantNotTracked):
		c.logger.Warn("dropping snapshot for untracked variant", "variant_id", snap.VariantID)
	default:
		retries := deliveryRetries(d)
		if retries+1 < maxDeliveries {
			c.requeue(d, retries)
		} else {
			c.logger.Error("dropping snapshot after retries exhausted",
				"variant_id", snap.VariantID, "deliveries", retries+1, "error", err)
		}
	}
	_ = d.Ack(false)
}

// requeue republishes the body with the retry counter incremented, then
// the caller acks the original delivery.
func (c *Consumer) requeue(d amqp.Delivery, retries int) {
	err := c.pub.Publish("", SnapshotQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{retryHeader: int32(retries + 1)},
		Body:         d.Body,
	})
	if err != nil {
		c.logger.Error("requeue failed, message lost", "error", err)
	}
}
