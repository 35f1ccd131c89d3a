package interfaces

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"checkout/internal/pkg/mq"
	"checkout/internal/service/order/domain"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderConsumerAdapter_SubmitsAndForwardsFailures(t *testing.T) {
	app := newTestApp(t)
	app.inventory.SetStock("sku-1", 5)

	good, err := json.Marshal(domain.OrderCreationRequested{EventID: "evt-1", ActorID: "a-1", Items: items("sku-1", 2)})
	require.NoError(t, err)
	invalid, err := json.Marshal(domain.OrderCreationRequested{EventID: "evt-2", ActorID: "a-1"})
	require.NoError(t, err)

	reader := newFakeReader(
		kafka.Message{Topic: "order-creation", Value: good},
		kafka.Message{Topic: "order-creation", Value: []byte("not json")},
		kafka.Message{Topic: "order-creation", Value: invalid},
	)
	sink := &recordingSink{}
	consumer := NewOrderConsumerAdapter(reader, "order-creation", app.svc, sink)
	require.NoError(t, consumer.Start(context.Background()))

	require.Eventually(t, func() bool { return reader.committedCount() == 3 }, 2*time.Second, 5*time.Millisecond)
	consumer.Stop(context.Background())
	assert.True(t, reader.isClosed())

	assert.Equal(t, 2, sink.count(), "bad payload and invalid order go to the DLT")
	order, err := app.orders.FindByID(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, order.Status)
}

func TestOrderConsumerAdapter_DuplicateDeliveryIsIdempotent(t *testing.T) {
	app := newTestApp(t)
	app.inventory.SetStock("sku-1", 5)

	payload, err := json.Marshal(domain.OrderCreationRequested{EventID: "evt-1", ActorID: "a-1", Items: items("sku-1", 2)})
	require.NoError(t, err)
	reader := newFakeReader(kafka.Message{Value: payload}, kafka.Message{Value: payload})
	consumer := NewOrderConsumerAdapter(reader, "order-creation", app.svc, &recordingSink{})
	require.NoError(t, consumer.Start(context.Background()))

	require.Eventually(t, func() bool { return reader.committedCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	consumer.Stop(context.Background())

	assert.Equal(t, 3, app.inventory.OnHand("sku-1"), "redelivered message does not charge twice")
}

func TestDltConsumerAdapter_CommitsEverything(t *testing.T) {
	reader := newFakeReader(
		kafka.Message{Key: []byte("o-1"), Headers: []kafka.Header{{Key: mq.HeaderOriginalTopic, Value: []byte("order-queue")}}},
		kafka.Message{Key: []byte("o-2")},
	)
	dlt := NewDltConsumerAdapter(reader, "order-dlt")
	require.NoError(t, dlt.Start(context.Background()))

	require.Eventually(t, func() bool { return reader.committedCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	dlt.Stop(context.Background())
	assert.True(t, reader.isClosed())
}
