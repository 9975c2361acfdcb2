package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"chanwatch/internal/backoff"
	"chanwatch/internal/database/models"

	"github.com/getsentry/sentry-go"
	"go.uber.org/ratelimit"
)

// Event types emitted by the pipeline.
const (
	EventNewMessage     = "new_message"
	EventDeletedMessage = "deleted_message"
)

// maxDeliverAttempts bounds how often one event is retried by the drain
// loop before it is dropped.
const maxDeliverAttempts = 3

// Event is one ingestion outcome waiting for fan-out.
type Event struct {
	Type       string
	AccountKey string
	Message    *models.Message
	attempts   int
}

// key identifies the event for cross-tick deduplication: the same message
// may be seen by two poll ticks before the queue drains.
func (e *Event) key() string {
	return fmt.Sprintf("%s/%s/%d", e.Type, e.Message.ChannelID.Hex(), e.Message.TelegramID)
}

// DispatchFunc delivers one event downstream.
type DispatchFunc func(ctx context.Context, eventType string, message *models.Message) error

// EventQueue is a single FIFO whose drain loop is paced per account, so
// bursty polling never hits downstream consumers faster than the configured
// rate. Order within one account's channel is poll order.
type EventQueue struct {
	mu      sync.Mutex
	items   []*Event
	pending map[string]bool
	wake    chan struct{}

	perMinute int
	limiters  sync.Map // account key -> ratelimit.Limiter
	dispatch  DispatchFunc
	retry     backoff.Policy
}

// NewEventQueue creates a queue draining at most perMinute events per
// account per minute.
func NewEventQueue(perMinute int, dispatch DispatchFunc) *EventQueue {
	return &EventQueue{
		pending:   make(map[string]bool),
		wake:      make(chan struct{}, 1),
		perMinute: perMinute,
		dispatch:  dispatch,
		retry:     backoff.Default(),
	}
}

// Enqueue appends the event unless an identical one is already queued.
// Returns false for the duplicate case.
func (q *EventQueue) Enqueue(event *Event) bool {
	q.mu.Lock()
	if q.pending[event.key()] {
		q.mu.Unlock()
		return false
	}
	q.pending[event.key()] = true
	q.items = append(q.items, event)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Contains reports whether an identical event is waiting in the queue.
func (q *EventQueue) Contains(eventType string, channelIDHex string, telegramID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[fmt.Sprintf("%s/%s/%d", eventType, channelIDHex, telegramID)]
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain runs the delivery loop until the context is cancelled. Each event
// takes a token from its account's limiter before dispatch, so the FIFO
// pauses whenever an account's quota window is exhausted.
func (q *EventQueue) Drain(ctx context.Context) {
	log.Printf("[EventQueue] Drain loop started, %d events/min per account", q.perMinute)
	for {
		event := q.popFront()
		if event == nil {
			select {
			case <-ctx.Done():
				log.Println("[EventQueue] Drain loop stopped")
				return
			case <-q.wake:
				continue
			}
		}

		if ctx.Err() != nil {
			// Shutdown: put it back for a bounded final drain elsewhere and
			// stop; queued events do not survive a restart.
			q.requeueFront(event)
			log.Println("[EventQueue] Drain loop stopped")
			return
		}

		q.limiterFor(event.AccountKey).Take()

		if err := q.dispatch(ctx, event.Type, event.Message); err != nil {
			event.attempts++
			if event.attempts >= maxDeliverAttempts {
				log.Printf("[EventQueue] Dropping event %s after %d attempts: %v", event.key(), event.attempts, err)
				sentry.CaptureException(err)
				q.forget(event)
				continue
			}
			log.Printf("[EventQueue] Dispatch of %s failed (attempt %d), requeueing: %v", event.key(), event.attempts, err)
			q.requeueFront(event)
			select {
			case <-ctx.Done():
			case <-time.After(q.retry.Delay(event.attempts - 1)):
			}
			continue
		}
		q.forget(event)
	}
}

// popFront removes and returns the head event, or nil when empty. The
// pending mark stays set until the event is done, keeping dedup effective
// while the event is in flight.
func (q *EventQueue) popFront() *Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	event := q.items[0]
	q.items = q.items[1:]
	return event
}

// requeueFront puts a failed event back at the head to preserve order.
func (q *EventQueue) requeueFront(event *Event) {
	q.mu.Lock()
	q.items = append([]*Event{event}, q.items...)
	q.mu.Unlock()
}

func (q *EventQueue) forget(event *Event) {
	q.mu.Lock()
	delete(q.pending, event.key())
	q.mu.Unlock()
}

func (q *EventQueue) limiterFor(accountKey string) ratelimit.Limiter {
	if limiter, ok := q.limiters.Load(accountKey); ok {
		return limiter.(ratelimit.Limiter)
	}
	limiter, _ := q.limiters.LoadOrStore(accountKey, ratelimit.New(q.perMinute, ratelimit.Per(time.Minute)))
	return limiter.(ratelimit.Limiter)
}
