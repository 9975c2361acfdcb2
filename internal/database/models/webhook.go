package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Webhook event type filters.
const (
	WebhookEventNewMessage     = "new_message"
	WebhookEventDeletedMessage = "deleted_message"
	WebhookEventAll            = "all"
)

// Webhook statuses. A webhook moves to failed automatically once its
// failure count crosses the configured retry limit and stays there until an
// operator reactivates it.
const (
	WebhookStatusActive   = "active"
	WebhookStatusInactive = "inactive"
	WebhookStatusFailed   = "failed"
)

// Webhook is an operator-registered endpoint receiving event fan-out.
type Webhook struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	URL           string             `bson:"url"`
	EventType     string             `bson:"event_type"`
	Status        string             `bson:"status"`
	Secret        string             `bson:"secret"` // HMAC-SHA256 signing key
	FailureCount  int                `bson:"failure_count"`
	LastTriggered time.Time          `bson:"last_triggered,omitempty"`
	LastError     string             `bson:"last_error,omitempty"`
	CreatedAt     time.Time          `bson:"created_at"`
}

// WebhookDelivery is the append-only audit record of one delivery attempt.
// It is created before the HTTP request and completed exactly once after.
type WebhookDelivery struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	DeliveryID  string             `bson:"delivery_id"` // uuid, echoed to the endpoint
	WebhookID   primitive.ObjectID `bson:"webhook_id"`
	MessageID   primitive.ObjectID `bson:"message_id"`
	EventType   string             `bson:"event_type"`
	Payload     string             `bson:"payload"`
	StatusCode  int                `bson:"status_code,omitempty"`
	Success     bool               `bson:"success"`
	Completed   bool               `bson:"completed"`
	Error       string             `bson:"error,omitempty"`
	TriggeredAt time.Time          `bson:"triggered_at"`
	CompletedAt *time.Time         `bson:"completed_at,omitempty"`
}
