package database

import (
	"context"
	"fmt"
	"time"

	"chanwatch/internal/database/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

const assignmentCollectionName = "assignments"

// MongoAssignmentRepository implements AssignmentRepository for MongoDB.
type MongoAssignmentRepository struct {
	collection *mongo.Collection
}

// NewMongoAssignmentRepository creates a new MongoDB assignment repository.
func NewMongoAssignmentRepository(db *mongo.Database) *MongoAssignmentRepository {
	return &MongoAssignmentRepository{
		collection: db.Collection(assignmentCollectionName),
	}
}

// Create inserts a new assignment row. The partial unique index on
// (channel_id, status=active) rejects a second active row for the same
// channel, backstopping the scheduler's compare-and-swap sequencing.
func (r *MongoAssignmentRepository) Create(ctx context.Context, a *models.Assignment) error {
	if a.ID.IsZero() {
		a.ID = primitive.NewObjectID()
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	if _, err := r.collection.InsertOne(ctx, a); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrStaleAssignment
		}
		return fmt.Errorf("failed to insert assignment: %w", err)
	}
	return nil
}

// GetActiveByChannel returns the single active assignment for a channel.
func (r *MongoAssignmentRepository) GetActiveByChannel(ctx context.Context, channelID primitive.ObjectID) (*models.Assignment, error) {
	var a models.Assignment
	filter := bson.M{"channel_id": channelID, "status": models.AssignmentStatusActive}
	err := r.collection.FindOne(ctx, filter).Decode(&a)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("failed to find active assignment for channel %s: %w", channelID.Hex(), err)
	}
	return &a, nil
}

// ListActiveByAccount returns all active assignments held by an account.
func (r *MongoAssignmentRepository) ListActiveByAccount(ctx context.Context, accountID primitive.ObjectID) ([]models.Assignment, error) {
	filter := bson.M{"account_id": accountID, "status": models.AssignmentStatusActive}
	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find assignments for account %s: %w", accountID.Hex(), err)
	}
	defer cursor.Close(ctx)

	var assignments []models.Assignment
	if err = cursor.All(ctx, &assignments); err != nil {
		return nil, fmt.Errorf("failed to decode assignments: %w", err)
	}
	return assignments, nil
}

// CountActiveByAccount counts the active assignments held by an account.
func (r *MongoAssignmentRepository) CountActiveByAccount(ctx context.Context, accountID primitive.ObjectID) (int64, error) {
	filter := bson.M{"account_id": accountID, "status": models.AssignmentStatusActive}
	count, err := r.collection.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count assignments for account %s: %w", accountID.Hex(), err)
	}
	return count, nil
}

// CompareAndSwapStatus transitions the assignment only if it is still in
// fromStatus. A lost race surfaces as ErrStaleAssignment so the caller can
// treat the concurrent transition as already done.
func (r *MongoAssignmentRepository) CompareAndSwapStatus(ctx context.Context, id primitive.ObjectID, fromStatus, toStatus string) error {
	filter := bson.M{"_id": id, "status": fromStatus}
	update := bson.M{"$set": bson.M{"status": toStatus}}
	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to CAS assignment %s %s->%s: %w", id.Hex(), fromStatus, toStatus, err)
	}
	if result.MatchedCount == 0 {
		return ErrStaleAssignment
	}
	return nil
}

// ChannelIDsWithActive returns every channel id currently covered by an
// active assignment. Used by the orphan sweep.
func (r *MongoAssignmentRepository) ChannelIDsWithActive(ctx context.Context) (map[primitive.ObjectID]bool, error) {
	filter := bson.M{"status": models.AssignmentStatusActive}
	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find active assignments: %w", err)
	}
	defer cursor.Close(ctx)

	covered := make(map[primitive.ObjectID]bool)
	for cursor.Next(ctx) {
		var a models.Assignment
		if err := cursor.Decode(&a); err != nil {
			return nil, fmt.Errorf("failed to decode assignment: %w", err)
		}
		covered[a.ChannelID] = true
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("assignment cursor error: %w", err)
	}
	return covered, nil
}
