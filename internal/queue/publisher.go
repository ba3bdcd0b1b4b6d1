package queue

import (
	"encoding/json"

	"github.com/streadway/amqp"

	"canopy-ads/internal/core/domain"
)

// Publisher pushes snapshots onto the queue. The seeder uses it to
// simulate platform metric feeds; a real deployment would put a platform
// bridge behind the same queue.
type Publisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher connects to the broker and declares the snapshot queue.
func NewPublisher(url string) (*Publisher, error) {
	conn, ch, err := dial(url)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch}, nil
}

// PublishSnapshot enqueues one snapshot as persistent JSON.
func (p *Publisher) PublishSnapshot(snap domain.MetricSnapshot) error {
	body, err := json.Marshal(FromSnapshot(snap))
	if err != nil {
		return err
	}
	return p.ch.Publish("", SnapshotQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
