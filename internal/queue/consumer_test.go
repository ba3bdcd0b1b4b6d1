package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/require"

	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/port"
)

type fakeAck struct {
	acks  int
	nacks int
}

func (f *fakeAck) Ack(uint64, bool) error        { f.acks++; return nil }
func (f *fakeAck) Nack(uint64, bool, bool) error { f.nacks++; return nil }
func (f *fakeAck) Reject(uint64, bool) error     { return nil }

type fakePublisher struct {
	published []amqp.Publishing
}

func (f *fakePublisher) Publish(_, _ string, _, _ bool, msg amqp.Publishing) error {
	f.published = append(f.published, msg)
	return nil
}

type fakeIngestor struct {
	applied bool
	err     error
	snaps   []domain.MetricSnapshot
}

func (f *fakeIngestor) IngestSnapshot(_ context.Context, snap domain.MetricSnapshot) (bool, error) {
	f.snaps = append(f.snaps, snap)
	return f.applied, f.err
}

func newTestConsumer(svc Ingestor, pub republisher) *Consumer {
	return &Consumer{
		pub:    pub,
		svc:    svc,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func delivery(t *testing.T, msg SnapshotMessage, retries int) (amqp.Delivery, *fakeAck) {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	ack := &fakeAck{}
	d := amqp.Delivery{Acknowledger: ack, Body: body}
	if retries > 0 {
		d.Headers = amqp.Table{retryHeader: int32(retries)}
	}
	return d, ack
}

func testMessage() SnapshotMessage {
	return SnapshotMessage{
		VariantID:   "v1",
		Platform:    "weedmaps",
		WindowStart: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Impressions: 500,
		Clicks:      20,
		Conversions: 1,
		SpendMicros: 120_000,
	}
}

func TestConsumerAppliesSnapshot(t *testing.T) {
	svc := &fakeIngestor{applied: true}
	pub := &fakePublisher{}
	c := newTestConsumer(svc, pub)

	d, ack := delivery(t, testMessage(), 0)
	c.handle(context.Background(), d)

	require.Len(t, svc.snaps, 1)
	require.Equal(t, "v1", svc.snaps[0].VariantID)
	require.Equal(t, domain.PlatformWeedmaps, svc.snaps[0].Platform)
	require.Equal(t, int64(500), svc.snaps[0].Impressions)
	require.Equal(t, 1, ack.acks)
	require.Empty(t, pub.published)
}

func TestConsumerAcksDuplicates(t *testing.T) {
	svc := &fakeIngestor{applied: false}
	pub := &fakePublisher{}
	c := newTestConsumer(svc, pub)

	d, ack := delivery(t, testMessage(), 0)
	c.handle(context.Background(), d)

	require.Equal(t, 1, ack.acks)
	require.Empty(t, pub.published, "duplicates are acknowledged, never requeued")
}

func TestConsumerDropsMalformedBody(t *testing.T) {
	svc := &fakeIngestor{}
	pub := &fakePublisher{}
	c := newTestConsumer(svc, pub)

	ack := &fakeAck{}
	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{not json")})

	require.Empty(t, svc.snaps)
	require.Equal(t, 1, ack.acks)
	require.Empty(t, pub.published)
}

func TestConsumerDropsInvalidSnapshot(t *testing.T) {
	svc := &fakeIngestor{}
	pub := &fakePublisher{}
	c := newTestConsumer(svc, pub)

	msg := testMessage()
	msg.VariantID = ""
	d, ack := delivery(t, msg, 0)
	c.handle(context.Background(), d)

	require.Empty(t, svc.snaps, "invalid snapshots never reach the use case")
	require.Equal(t, 1, ack.acks)
	require.Empty(t, pub.published)
}

func TestConsumerRequeuesTransientFailure(t *testing.T) {
	svc := &fakeIngestor{err: errors.New("store unavailable")}
	pub := &fakePublisher{}
	c := newTestConsumer(svc, pub)

	d, ack := delivery(t, testMessage(), 0)
	c.handle(context.Background(), d)

	require.Equal(t, 1, ack.acks, "original delivery is acked after republish")
	require.Len(t, pub.published, 1)
	require.Equal(t, int32(1), pub.published[0].Headers[retryHeader])
	require.Equal(t, d.Body, pub.published[0].Body)

	// Second failure carries the counter forward.
	d, _ = delivery(t, testMessage(), 1)
	c.handle(context.Background(), d)
	require.Len(t, pub.published, 2)
	require.Equal(t, int32(2), pub.published[1].Headers[retryHeader])
}

func TestConsumerDropsAfterMaxDeliveries(t *testing.T) {
	svc := &fakeIngestor{err: errors.New("store unavailable")}
	pub := &fakePublisher{}
	c := newTestConsumer(svc, pub)

	d, ack := delivery(t, testMessage(), maxDeliveries-1)
	c.handle(context.Background(), d)

	require.Equal(t, 1, ack.acks)
	require.Empty(t, pub.published, "third delivery is the last")
}

func TestConsumerDropsUntrackedVariant(t *testing.T) {
	svc := &fakeIngestor{err: fmt.Errorf("variant v1: %w", port.ErrVariantNotTracked)}
	pub := &fakePublisher{}
	c := newTestConsumer(svc, pub)

	d, ack := delivery(t, testMessage(), 0)
	c.handle(context.Background(), d)

	require.Equal(t, 1, ack.acks)
	require.Empty(t, pub.published, "redelivery cannot fix an untracked variant")
}

func TestDeliveryRetriesHeaderCoercion(t *testing.T) {
	require.Equal(t, 0, deliveryRetries(amqp.Delivery{}))
	require.Equal(t, 2, deliveryRetries(amqp.Delivery{Headers: amqp.Table{retryHeader: int32(2)}}))
	require.Equal(t, 3, deliveryRetries(amqp.Delivery{Headers: amqp.Table{retryHeader: int64(3)}}))
	require.Equal(t, 1, deliveryRetries(amqp.Delivery{Headers: amqp.Table{retryHeader: 1}}))
	require.Equal(t, 0, deliveryRetries(amqp.Delivery{Headers: amqp.Table{retryHeader: "bogus"}}))
}
