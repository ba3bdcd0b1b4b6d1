// Package queue moves metric snapshots over AMQP. Platforms (or the
// seeder's simulator) publish snapshot JSON to a durable queue; the worker
// consumes it and applies snapshots through the same idempotent ingestion
// path the HTTP endpoint uses, so both transports can run side by side.
package queue

import (
	"time"

	"github.com/streadway/amqp"

	"canopy-ads/internal/core/domain"
)

// SnapshotQueue is the durable queue snapshots travel through.
const SnapshotQueue = "metric_snapshots"

// retryHeader counts redeliveries. A message is republished with the
// counter incremented instead of nacked, so the cap actually binds.
const (
	retryHeader   = "x-retry-count"
	maxDeliveries = 3
)

// SnapshotMessage is the wire form of a metric snapshot.
type SnapshotMessage struct {
	SnapshotID  string    `json:"snapshot_id,omitempty"`
	VariantID   string    `json:"variant_id"`
	Platform    string    `json:"platform"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end,omitempty"`
	Impressions int64     `json:"impressions"`
	Clicks      int64     `json:"clicks"`
	Conversions int64     `json:"conversions"`
	SpendMicros int64     `json:"spend_micros"`
}

// Snapshot converts the message to its domain form.
func (m SnapshotMessage) Snapshot() domain.MetricSnapshot {
	return domain.MetricSnapshot{
		SnapshotID:  m.SnapshotID,
		VariantID:   m.VariantID,
		Platform:    domain.Platform(m.Platform),
		WindowStart: m.WindowStart,
		WindowEnd:   m.WindowEnd,
		Impressions: m.Impressions,
		Clicks:      m.Clicks,
		Conversions: m.Conversions,
		SpendMicros: m.SpendMicros,
	}
}

// FromSnapshot converts a domain snapshot to its wire form.
func FromSnapshot(snap domain.MetricSnapshot) SnapshotMessage {
	return SnapshotMessage{
		SnapshotID:  snap.SnapshotID,
		VariantID:   snap.VariantID,
		Platform:    string(snap.Platform),
		WindowStart: snap.WindowStart,
		WindowEnd:   snap.WindowEnd,
		Impressions: snap.Impressions,
		Clicks:      snap.Clicks,
		Conversions: snap.Conversions,
		SpendMicros: snap.SpendMicros,
	}
}

// dial opens a connection and channel and declares the snapshot queue.
func dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	_, err = ch.QueueDeclare(
		SnapshotQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func deliveryRetries(d amqp.Delivery) int {
	switch v := d.Headers[retryHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}
