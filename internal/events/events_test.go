package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/rentcar-reservations/internal/model"
)

func sampleEvent() Event {
	return Event{
		Type: TypeReservationStatusChanged,
		Reservation: model.Reservation{
			ID:            "3f0e9a55-2d43-4a0c-9a64-1a0d7d0cbb11",
			CustomerID:    7,
			VehicleID:     3,
			StartDate:     time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
			EndDate:       time.Date(2023, 6, 4, 0, 0, 0, 0, time.UTC),
			TotalAmount:   15000,
			Status:        model.StatusConfirmed,
			PaymentStatus: model.PaymentStatusPaid,
		},
		PreviousStatus: model.StatusPending,
	}
}

func TestNewEnvelope(t *testing.T) {
	now := time.Date(2023, 5, 30, 12, 0, 0, 0, time.UTC)

	env, err := NewEnvelope("reservations", sampleEvent(), now)
	require.NoError(t, err)

	_, err = uuid.Parse(env.EventID)
	require.NoError(t, err)
	assert.Equal(t, TypeReservationStatusChanged, env.EventType)
	assert.Equal(t, "3f0e9a55-2d43-4a0c-9a64-1a0d7d0cbb11", env.CorrelationID)
	assert.Equal(t, now, env.OccurredAt)

	var payload ReservationPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "confirmed", payload.Status)
	assert.Equal(t, "pending", payload.PreviousStatus)
	assert.Equal(t, "2023-06-01T00:00:00Z", payload.StartDate)
	assert.Equal(t, int64(15000), payload.TotalAmountCents)
}

func TestToMessageKeyedByReservation(t *testing.T) {
	env, err := NewEnvelope("reservations", sampleEvent(), time.Now())
	require.NoError(t, err)

	msg, err := toMessage(env)
	require.NoError(t, err)
	assert.Equal(t, []byte(env.CorrelationID), msg.Key)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, TypeReservationStatusChanged, string(msg.Headers[0].Value))
}

func TestPublishAfterCloseFails(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "", "reservations", 1, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))

	err := p.Publish(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, ErrPublisherClosed)
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "", "reservations", 1, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	require.NoError(t, p.Publish(ctx, sampleEvent()))

	start := time.Now()
	err := p.Publish(ctx, sampleEvent())
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, p.inbox, 1)
}

func TestWriterIsAsync(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "", "reservations", 0, zap.NewNop())

	assert.True(t, p.w.Async)
	assert.NotNil(t, p.w.Completion)
	assert.Equal(t, 1024, cap(p.inbox))
}

func TestBatchTakesQueuedMessages(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "", "reservations", maxBatch+10, zap.NewNop())

	for i := 0; i < maxBatch+5; i++ {
		require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	}

	first := <-p.inbox
	msgs := p.batch(first)
	assert.Len(t, msgs, maxBatch)
	assert.Len(t, p.inbox, 5)

	msgs = p.batch(<-p.inbox)
	assert.Len(t, msgs, 5)
	assert.Empty(t, p.inbox)
}
