package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Message is one ingested channel message. Identity is the
// (channel_id, telegram_id) pair; that pair is the deduplication key and
// never changes after creation. The only permitted mutation is setting the
// deletion fields, which is monotonic.
type Message struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	ChannelID  primitive.ObjectID `bson:"channel_id"`
	TelegramID int64              `bson:"telegram_id"`
	SenderID   int64              `bson:"sender_id,omitempty"`
	SenderName string             `bson:"sender_name,omitempty"`
	Text       string             `bson:"text,omitempty"`
	MediaType  string             `bson:"media_type,omitempty"`
	IsDeleted  bool               `bson:"is_deleted"`
	DeletedAt  *time.Time         `bson:"deleted_at,omitempty"`
	Date       time.Time          `bson:"date"`
	CreatedAt  time.Time          `bson:"created_at"`
}
