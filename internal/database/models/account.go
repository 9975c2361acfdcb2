package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Account health states. An account is never hard-deleted; it only moves
// between these states.
const (
	AccountStatusActive   = "active"
	AccountStatusBanned   = "banned"
	AccountStatusLimited  = "limited"
	AccountStatusInactive = "inactive"
	AccountStatusError    = "error"
)

// Account represents one pooled Telegram session used to poll channels.
type Account struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	Phone         string             `bson:"phone"`
	SessionData   []byte             `bson:"session_data,omitempty"` // opaque MTProto session blob
	Status        string             `bson:"status"`
	MaxChannels   int                `bson:"max_channels"`
	ChannelsCount int                `bson:"channels_count"` // count of active assignments, kept in sync by the scheduler
	LastActive    time.Time          `bson:"last_active,omitempty"`
	LastError     string             `bson:"last_error,omitempty"`
	CreatedAt     time.Time          `bson:"created_at"`
	UpdatedAt     time.Time          `bson:"updated_at"`
}

// Eligible reports whether the account can take another channel.
func (a *Account) Eligible() bool {
	return a.Status == AccountStatusActive && a.ChannelsCount < a.MaxChannels
}
