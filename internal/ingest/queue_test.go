package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chanwatch/internal/backoff"
	"chanwatch/internal/database/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func newTestEvent(accountKey string, channelID primitive.ObjectID, telegramID int64) *Event {
	return &Event{
		Type:       EventNewMessage,
		AccountKey: accountKey,
		Message:    &models.Message{ChannelID: channelID, TelegramID: telegramID},
	}
}

// fastRetry removes the retry pauses so failure tests finish quickly.
func fastRetry(q *EventQueue) {
	q.retry = backoff.Policy{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Factor: 1}
}

func TestEnqueueDeduplicatesIdenticalEvents(t *testing.T) {
	q := NewEventQueue(1000, nil)
	channelID := primitive.NewObjectID()

	assert.True(t, q.Enqueue(newTestEvent("a", channelID, 1)))
	assert.True(t, q.Enqueue(newTestEvent("a", channelID, 2)))
	assert.False(t, q.Enqueue(newTestEvent("a", channelID, 1)), "identical event must be suppressed")

	assert.Equal(t, 2, q.Len())
	assert.True(t, q.Contains(EventNewMessage, channelID.Hex(), 1))
	assert.False(t, q.Contains(EventDeletedMessage, channelID.Hex(), 1), "same message, different event type is distinct")
}

func TestDrainDeliversInEnqueueOrder(t *testing.T) {
	var mu sync.Mutex
	var delivered []int64
	done := make(chan struct{})

	dispatch := func(ctx context.Context, eventType string, message *models.Message) error {
		mu.Lock()
		delivered = append(delivered, message.TelegramID)
		if len(delivered) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	}

	q := NewEventQueue(100000, dispatch)
	channelID := primitive.NewObjectID()
	for i := int64(1); i <= 3; i++ {
		q.Enqueue(newTestEvent("a", channelID, i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Drain(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not deliver all events")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3}, delivered)
	assert.Equal(t, 0, q.Len())
}

func TestDrainRequeuesFailedEventAtFront(t *testing.T) {
	var mu sync.Mutex
	var calls []int64
	failedOnce := false
	done := make(chan struct{})

	dispatch := func(ctx context.Context, eventType string, message *models.Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, message.TelegramID)
		if message.TelegramID == 1 && !failedOnce {
			failedOnce = true
			return errors.New("endpoint returned 503")
		}
		if len(calls) == 3 {
			close(done)
		}
		return nil
	}

	q := NewEventQueue(100000, dispatch)
	fastRetry(q)
	channelID := primitive.NewObjectID()
	q.Enqueue(newTestEvent("a", channelID, 1))
	q.Enqueue(newTestEvent("a", channelID, 2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Drain(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	// The failed event retries at the head; ordering is preserved.
	assert.Equal(t, []int64{1, 1, 2}, calls)
}

func TestDrainDropsEventAfterAttemptLimit(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	secondDelivered := make(chan struct{})

	dispatch := func(ctx context.Context, eventType string, message *models.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if message.TelegramID == 1 {
			attempts++
			return errors.New("endpoint returned 500")
		}
		close(secondDelivered)
		return nil
	}

	q := NewEventQueue(100000, dispatch)
	fastRetry(q)
	channelID := primitive.NewObjectID()
	q.Enqueue(newTestEvent("a", channelID, 1))
	q.Enqueue(newTestEvent("a", channelID, 2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Drain(ctx)

	select {
	case <-secondDelivered:
	case <-time.After(5 * time.Second):
		t.Fatal("queue never moved past the poisoned event")
	}

	mu.Lock()
	got := attempts
	mu.Unlock()
	require.Equal(t, maxDeliverAttempts, got)

	// The dropped event's dedup mark is released so a later poll can retry it.
	assert.Eventually(t, func() bool {
		return !q.Contains(EventNewMessage, channelID.Hex(), 1)
	}, time.Second, 10*time.Millisecond)
}
