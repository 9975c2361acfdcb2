package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Assignment statuses. At most one assignment per channel may be active at
// any instant; the scheduler enforces this with compare-and-swap writes and
// a partial unique index backstops it server-side.
const (
	AssignmentStatusActive     = "active"
	AssignmentStatusFailed     = "failed"
	AssignmentStatusReassigned = "reassigned"
)

// Assignment binds one channel to the one account currently polling it.
type Assignment struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	AccountID  primitive.ObjectID `bson:"account_id"`
	ChannelID  primitive.ObjectID `bson:"channel_id"`
	Status     string             `bson:"status"`
	AssignedAt time.Time          `bson:"assigned_at"`
}
