package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Channel represents an external Telegram channel being monitored.
type Channel struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	Ref         string             `bson:"ref"` // username or invite reference as provided by the operator
	TelegramID  int64              `bson:"telegram_id,omitempty"`
	AccessHash  int64              `bson:"access_hash,omitempty"`
	Title       string             `bson:"title,omitempty"`
	Username    string             `bson:"username,omitempty"`
	Members     int                `bson:"members,omitempty"`
	IsActive    bool               `bson:"is_active"`
	LastChecked time.Time          `bson:"last_checked,omitempty"`
	LastError   string             `bson:"last_error,omitempty"`
	CreatedAt   time.Time          `bson:"created_at"`
}
