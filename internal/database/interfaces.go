package database

import (
	"context"
	"errors"
	"time"

	"chanwatch/internal/database/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Sentinel errors returned by the repositories.
var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrAssignmentNotFound = errors.New("assignment not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrWebhookNotFound    = errors.New("webhook not found")
	// ErrStaleAssignment is returned when a compare-and-swap update loses:
	// the assignment row no longer matches the state the caller read.
	ErrStaleAssignment = errors.New("assignment changed concurrently")
	// ErrDuplicateMessage is returned when the unique (channel_id, telegram_id)
	// index rejects an insert.
	ErrDuplicateMessage = errors.New("message already ingested")
)

// AccountRepository defines the persistence operations for pooled accounts.
type AccountRepository interface {
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.Account, error)
	ListByStatus(ctx context.Context, statuses ...string) ([]models.Account, error)
	// UpdateStatus persists a health-state transition immediately.
	UpdateStatus(ctx context.Context, id primitive.ObjectID, status, lastError string) error
	// IncChannelsCount adjusts the cached active-assignment counter by delta.
	// The counter never goes below zero.
	IncChannelsCount(ctx context.Context, id primitive.ObjectID, delta int) error
	TouchLastActive(ctx context.Context, id primitive.ObjectID) error
	SaveSession(ctx context.Context, id primitive.ObjectID, data []byte) error
}

// ChannelRepository defines the persistence operations for monitored channels.
type ChannelRepository interface {
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.Channel, error)
	GetByRef(ctx context.Context, ref string) (*models.Channel, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (*models.Channel, error)
	Create(ctx context.Context, channel *models.Channel) error
	ListActive(ctx context.Context) ([]models.Channel, error)
	// ListAll returns every known channel, parked ones included, so failed
	// coverage stays visible to operators.
	ListAll(ctx context.Context) ([]models.Channel, error)
	UpdateEntity(ctx context.Context, id primitive.ObjectID, telegramID, accessHash int64, title, username string, members int) error
	SetActive(ctx context.Context, id primitive.ObjectID, active bool, lastError string) error
	TouchLastChecked(ctx context.Context, id primitive.ObjectID) error
}

// AssignmentRepository defines the persistence operations for
// channel-to-account assignments. It is the single source of truth for
// "who polls what".
type AssignmentRepository interface {
	Create(ctx context.Context, a *models.Assignment) error
	GetActiveByChannel(ctx context.Context, channelID primitive.ObjectID) (*models.Assignment, error)
	ListActiveByAccount(ctx context.Context, accountID primitive.ObjectID) ([]models.Assignment, error)
	CountActiveByAccount(ctx context.Context, accountID primitive.ObjectID) (int64, error)
	// CompareAndSwapStatus moves the assignment from fromStatus to toStatus
	// only if it is still in fromStatus; returns ErrStaleAssignment otherwise.
	CompareAndSwapStatus(ctx context.Context, id primitive.ObjectID, fromStatus, toStatus string) error
	// ChannelIDsWithActive returns the set of channel ids that currently have
	// an active assignment.
	ChannelIDsWithActive(ctx context.Context) (map[primitive.ObjectID]bool, error)
}

// MessageRepository defines the persistence operations for ingested messages.
type MessageRepository interface {
	// Create inserts a message; ErrDuplicateMessage when the (channel,
	// telegram id) pair already exists.
	Create(ctx context.Context, m *models.Message) error
	Exists(ctx context.Context, channelID primitive.ObjectID, telegramID int64) (bool, error)
	GetByTelegramID(ctx context.Context, channelID primitive.ObjectID, telegramID int64) (*models.Message, error)
	// RecentTelegramIDs returns telegram ids of the newest non-deleted
	// messages for the channel, newest first, up to limit.
	RecentTelegramIDs(ctx context.Context, channelID primitive.ObjectID, limit int) ([]int64, error)
	// MarkDeleted sets is_deleted and deleted_at once; a second call for the
	// same message is a no-op returning false.
	MarkDeleted(ctx context.Context, channelID primitive.ObjectID, telegramID int64, at time.Time) (bool, error)
}

// WebhookRepository defines the persistence operations for webhooks.
type WebhookRepository interface {
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.Webhook, error)
	Create(ctx context.Context, w *models.Webhook) error
	// ListActiveForEvent returns active webhooks whose filter matches the
	// event type (including the "all" filter).
	ListActiveForEvent(ctx context.Context, eventType string) ([]models.Webhook, error)
	// RecordSuccess resets failure_count and stamps last_triggered.
	RecordSuccess(ctx context.Context, id primitive.ObjectID) error
	// RecordFailure increments failure_count and returns the new value.
	RecordFailure(ctx context.Context, id primitive.ObjectID, lastError string) (int, error)
	UpdateStatus(ctx context.Context, id primitive.ObjectID, status string) error
}

// DeliveryRepository defines the persistence operations for the delivery
// audit trail.
type DeliveryRepository interface {
	Create(ctx context.Context, d *models.WebhookDelivery) error
	// Complete fills in the outcome fields exactly once.
	Complete(ctx context.Context, id primitive.ObjectID, statusCode int, success bool, deliveryErr string) error
	// ListFailedSince returns completed, unsuccessful deliveries triggered
	// after the cutoff.
	ListFailedSince(ctx context.Context, since time.Time) ([]models.WebhookDelivery, error)
}
